package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadManifests_ByLocale(t *testing.T) {
	p := writeTemp(t, `
en_US:
  interactions:
    - id: survey-1
      type: Survey
  targets:
    launch:
      - interaction_id: survey-1
de_DE:
  interactions: []
`)
	got, err := loadManifests(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || len(got["en_US"].Targets["launch"]) != 1 {
		t.Fatalf("unexpected manifests: %+v", got)
	}
}

func TestLoadManifests_Single(t *testing.T) {
	p := writeTemp(t, `
interactions:
  - id: note
    type: TextModal
targets:
  launch:
    - interaction_id: note
max_age_seconds: 60
`)
	got, err := loadManifests(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m, ok := got[""]
	if !ok || m.MaxAgeSeconds != 60 || m.Interactions[0].ID != "note" {
		t.Fatalf("unexpected manifests: %+v", got)
	}
}

func TestLoadManifests_EmptyPathAndMissingFile(t *testing.T) {
	got, err := loadManifests("")
	if err != nil || got != nil {
		t.Fatalf("empty path: %v %v", got, err)
	}
	if _, err := loadManifests(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("want error for missing file")
	}
}
