package nats

import "fmt"

// Subject and bucket layout.
//
//	populator.events.{type}   -- lifecycle events (wildcardable)
//	populator-runs            -- run ledger (runs.{date}.{HHMM}.{runID})
//	populator-retry           -- smart-retry budgets (src.{b64 source})
//	populator-locks           -- job lock leases
const (
	SubjectPrefix = "populator"

	// KV bucket names
	BucketRuns  = "populator-runs"
	BucketRetry = "populator-retry"
	BucketLocks = "populator-locks"
)

// EventSubject returns a subject for lifecycle events.
// Example: populator.events.run.completed
func EventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, eventType)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}
