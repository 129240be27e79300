package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	p := cfg.TransformParams()
	if p.RotationAngle != 15 || p.BrightnessFactor != 1.5 || p.ContrastFactor != 1.3 {
		t.Errorf("Unexpected default transform params %+v", p)
	}
	if cfg.OutputOptions().JPEGQuality != 95 {
		t.Errorf("Unexpected default JPEG quality %d", cfg.OutputOptions().JPEGQuality)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.Storage.AnnotationsDir = "/data/annotations"
			cfg.Augment.DefaultVariants = []string{"mirror", "blur"}
			cfg.Augment.RefitRotatedBoxes = true

			if err := cfg.SaveToFile(path); err != nil {
				t.Fatalf("SaveToFile failed: %v", err)
			}
			loaded, err := LoadFromFile(path)
			if err != nil {
				t.Fatalf("LoadFromFile failed: %v", err)
			}
			if loaded.Storage.AnnotationsDir != "/data/annotations" || !loaded.Augment.RefitRotatedBoxes {
				t.Errorf("Round trip lost values: %+v", loaded)
			}
			if strings.Join(loaded.Augment.DefaultVariants, ",") != "mirror,blur" {
				t.Errorf("Unexpected variants %v", loaded.Augment.DefaultVariants)
			}
		})
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Output.JPEGQuality != 95 || cfg.Storage.TempDir != "./temp" {
		t.Errorf("Defaults not preserved: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty annotations dir": func(c *Config) { c.Storage.AnnotationsDir = "" },
		"jpeg quality":          func(c *Config) { c.Output.JPEGQuality = 0 },
		"webp quality":          func(c *Config) { c.Output.WebPQuality = 101 },
		"blur sigma":            func(c *Config) { c.Augment.BlurSigma = 0 },
		"unknown variant":       func(c *Config) { c.Augment.DefaultVariants = []string{"sepia"} },
		"log level":             func(c *Config) { c.Log.Level = "loud" },
		"log format":            func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestGetConfigPathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	if got := GetConfigPath(); got != "/tmp/custom.yaml" {
		t.Errorf("Expected env override, got %s", got)
	}
}
