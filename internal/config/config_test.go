package config_test

import (
	"strings"
	"testing"

	"paperline/internal/config"
)

func TestFromYAMLRoundTrip(t *testing.T) {
	doc := `project:
  key: P1
  name: Pilot
  methodology: agile
artifacts:
  root: artifacts/
audit:
  default_page_size: 25
  max_page_size: 100
`
	cfg, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Project.Key != "P1" || cfg.Project.Methodology != "agile" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	out, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), "methodology: agile") {
		t.Fatalf("rendered yaml missing methodology:\n%s", out)
	}
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	doc := `project:
  key: P1
  colour: blue
`
	if _, err := config.FromYAML([]byte(doc)); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default("P1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Project.Methodology = "waterfall"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown methodology accepted")
	}
	cfg = config.Default("P1")
	cfg.Artifacts.Root = "artifacts"
	if err := cfg.Validate(); err == nil {
		t.Fatal("root without trailing slash accepted")
	}
	cfg = config.Default("bad key")
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid key accepted")
	}
	cfg = config.Default("P1")
	cfg.Audit.DefaultPageSize = 500
	if err := cfg.Validate(); err == nil {
		t.Fatal("default page size above max accepted")
	}
}
