package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Aliases lists, per concern, the column names under which enrichment stages
// and scan exports may report a value. The first present column wins.
type Aliases struct {
	GenAI  []string `yaml:"genai"`
	YOLO   []string `yaml:"yolo"`
	Corner []string `yaml:"corner"`

	// Coverage is matched against stored row attributes when computing
	// coverage for a date.
	Coverage []string `yaml:"coverage"`

	ScanID       []string `yaml:"scan_id"`
	ScanDate     []string `yaml:"scan_date"`
	RestaurantID []string `yaml:"restaurant_id"`
}

// DefaultAliases returns the built-in alias table.
func DefaultAliases() Aliases {
	return Aliases{
		GenAI: []string{"GenAI Pan ID", "GenAI_Pan_ID", "genAIPanId"},
		YOLO: []string{
			"YOLOv8_Pan_ID", "Yolov8 Pan ID", "YOLOv8_Best_Match_ID", "YOLO_Pan_ID", "yoloPanId",
		},
		Corner: []string{
			"Corner_Best_Pan_ID", "Corner_Best_Empty_Pan_Match", "Corner_Pan_ID", "cornerPanId",
		},
		Coverage: []string{
			"panId", "PanID", "identifiedPan", "genAIPanId", "YOLOv8_Pan_ID", "Corner_Best_Pan_ID",
		},
		ScanID:       []string{"scanId", "Scan ID", "scan_id", "ScanID"},
		ScanDate:     []string{"date", "Date", "scanDate", "Scan Date", "timestamp", "Timestamp"},
		RestaurantID: []string{"restaurantId", "Restaurant ID", "restaurant_id"},
	}
}

// LoadAliases reads a YAML alias table from path. Concerns the file leaves
// out keep their built-in aliases. An empty path returns the defaults.
func LoadAliases(path string) (Aliases, error) {
	a := DefaultAliases()
	if path == "" {
		return a, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return a, fmt.Errorf("failed to read alias file: %w", err)
	}

	var override Aliases
	if err := yaml.Unmarshal(data, &override); err != nil {
		return a, fmt.Errorf("failed to parse alias file: %w", err)
	}

	merge := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	merge(&a.GenAI, override.GenAI)
	merge(&a.YOLO, override.YOLO)
	merge(&a.Corner, override.Corner)
	merge(&a.Coverage, override.Coverage)
	merge(&a.ScanID, override.ScanID)
	merge(&a.ScanDate, override.ScanDate)
	merge(&a.RestaurantID, override.RestaurantID)
	return a, nil
}
