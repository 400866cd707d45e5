package pipeline

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadAliases_EmptyPathIsDefault(t *testing.T) {
	got, err := LoadAliases("")
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if !reflect.DeepEqual(got, DefaultAliases()) {
		t.Errorf("LoadAliases(\"\") = %+v, want defaults", got)
	}
}

func TestLoadAliases_OverridesOnlyListedGroups(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "aliases.yaml"), `
yolo:
  - YOLO_v9_Pan
coverage: [panId]
`)

	got, err := LoadAliases(path)
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if !reflect.DeepEqual(got.YOLO, []string{"YOLO_v9_Pan"}) {
		t.Errorf("YOLO = %v, want [YOLO_v9_Pan]", got.YOLO)
	}
	if !reflect.DeepEqual(got.Coverage, []string{"panId"}) {
		t.Errorf("Coverage = %v, want [panId]", got.Coverage)
	}
	if !reflect.DeepEqual(got.GenAI, DefaultAliases().GenAI) {
		t.Errorf("GenAI = %v, want defaults", got.GenAI)
	}
}

func TestLoadAliases_Errors(t *testing.T) {
	if _, err := LoadAliases(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadAliases(missing) expected error")
	}
	bad := writeFile(t, filepath.Join(t.TempDir(), "bad.yaml"), "yolo: [unterminated")
	if _, err := LoadAliases(bad); err == nil {
		t.Error("LoadAliases(invalid yaml) expected error")
	}
}
