package continuity

import (
	"flag"
	"testing"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("continuity", flag.ContinueOnError)
	t.Setenv("AFTERGLOW_CONTINUITY_PORT", "9093")

	cfg, err := ParseConfig(fs, []string{"-db-path", "tmp/continuity-test.db"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9093 {
		t.Fatalf("port = %d, want 9093", cfg.Port)
	}
	if cfg.DBPath != "tmp/continuity-test.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "tmp/continuity-test.db")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("continuity", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8093 {
		t.Fatalf("port = %d, want 8093", cfg.Port)
	}
	if cfg.DBPath != "data/continuity.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/continuity.db")
	}
}
