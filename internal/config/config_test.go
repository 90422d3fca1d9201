package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.Mode != "stdio" {
		t.Errorf("expected default transport mode stdio, got %s", cfg.Transport.Mode)
	}
	if cfg.Query.DefaultPageSize != 100 {
		t.Errorf("expected default page size 100, got %d", cfg.Query.DefaultPageSize)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeYAML(t, "query:\n  default_page_size: 250\ntransport:\n  mode: tcp\n  tcp:\n    port: 9999\n")
	cfg, err := Load(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Query.DefaultPageSize != 250 {
		t.Errorf("expected yaml override to 250, got %d", cfg.Query.DefaultPageSize)
	}
	if cfg.Transport.TCP.Port != 9999 {
		t.Errorf("expected yaml override port 9999, got %d", cfg.Transport.TCP.Port)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "query:\n  default_page_size: 250\n")
	t.Setenv("QUERY_DEFAULT_PAGE_SIZE", "500")

	cfg, err := Load(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Query.DefaultPageSize != 500 {
		t.Errorf("expected env override to win over yaml, got %d", cfg.Query.DefaultPageSize)
	}
}

func TestLoad_RejectsInvalidTransportMode(t *testing.T) {
	path := writeYAML(t, "transport:\n  mode: carrier_pigeon\n")
	if _, err := Load(context.Background(), path, nil); err == nil {
		t.Fatal("expected validation error for invalid transport mode")
	}
}

func TestLoad_RejectsMaxPageSizeBelowDefault(t *testing.T) {
	path := writeYAML(t, "query:\n  default_page_size: 1000\n  max_page_size: 10\n")
	if _, err := Load(context.Background(), path, nil); err == nil {
		t.Fatal("expected validation error for max_page_size < default_page_size")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "does-not-exist.yaml"), nil)
	if err != nil {
		t.Fatalf("unexpected error for missing config file: %v", err)
	}
	if cfg.Transport.Mode != "stdio" {
		t.Errorf("expected defaults when file is absent, got mode %s", cfg.Transport.Mode)
	}
}
