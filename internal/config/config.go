package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/yolo-annotator/pkg/transform"
	"github.com/menta2k/yolo-annotator/pkg/types"
)

// EnvConfigPath overrides the default configuration file location
const EnvConfigPath = "YOLO_ANNOTATOR_CONFIG"

// Config holds the application configuration
type Config struct {
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Augment AugmentConfig `json:"augment" yaml:"augment"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// StorageConfig holds the on-disk locations
type StorageConfig struct {
	AnnotationsDir string `json:"annotations_dir" yaml:"annotations_dir"`
	TempDir        string `json:"temp_dir" yaml:"temp_dir"`
	DatabasePath   string `json:"database_path" yaml:"database_path"`
}

// OutputConfig holds configuration for encoding derived images
type OutputConfig struct {
	JPEGQuality  int  `json:"jpeg_quality" yaml:"jpeg_quality"`
	WebPQuality  int  `json:"webp_quality" yaml:"webp_quality"`
	WebPLossless bool `json:"webp_lossless" yaml:"webp_lossless"`
}

// AugmentConfig holds transform strengths and the default variant selection
type AugmentConfig struct {
	DefaultVariants   []string `json:"default_variants" yaml:"default_variants"`
	RotationAngle     float64  `json:"rotation_angle" yaml:"rotation_angle"`
	BrightnessFactor  float64  `json:"brightness_factor" yaml:"brightness_factor"`
	ContrastFactor    float64  `json:"contrast_factor" yaml:"contrast_factor"`
	BlurSigma         float64  `json:"blur_sigma" yaml:"blur_sigma"`
	RefitRotatedBoxes bool     `json:"refit_rotated_boxes" yaml:"refit_rotated_boxes"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	p := transform.DefaultParams()
	return &Config{
		Storage: StorageConfig{
			AnnotationsDir: "./annotations",
			TempDir:        "./temp",
			DatabasePath:   "./data/registry.db",
		},
		Output: OutputConfig{
			JPEGQuality:  95,
			WebPQuality:  90,
			WebPLossless: false,
		},
		Augment: AugmentConfig{
			DefaultVariants:  []string{},
			RotationAngle:    p.RotationAngle,
			BrightnessFactor: p.BrightnessFactor,
			ContrastFactor:   p.ContrastFactor,
			BlurSigma:        p.BlurSigma,
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML (.yaml/.yml) or JSON file.
// Fields missing from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration as YAML or JSON depending on the extension
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.AnnotationsDir == "" {
		return fmt.Errorf("storage.annotations_dir cannot be empty")
	}

	if c.Storage.TempDir == "" {
		return fmt.Errorf("storage.temp_dir cannot be empty")
	}

	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be between 1 and 100")
	}

	if c.Output.WebPQuality < 1 || c.Output.WebPQuality > 100 {
		return fmt.Errorf("output.webp_quality must be between 1 and 100")
	}

	if c.Augment.BrightnessFactor <= 0 || c.Augment.ContrastFactor <= 0 {
		return fmt.Errorf("augment.brightness_factor and augment.contrast_factor must be positive")
	}

	if c.Augment.BlurSigma <= 0 {
		return fmt.Errorf("augment.blur_sigma must be positive")
	}

	for _, key := range c.Augment.DefaultVariants {
		if _, err := transform.ParseKind(key); err != nil {
			return fmt.Errorf("augment.default_variants: %w", err)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// TransformParams returns the transform strengths for the registry
func (c *Config) TransformParams() transform.Params {
	return transform.Params{
		RotationAngle:     c.Augment.RotationAngle,
		BrightnessFactor:  c.Augment.BrightnessFactor,
		ContrastFactor:    c.Augment.ContrastFactor,
		BlurSigma:         c.Augment.BlurSigma,
		RefitRotatedBoxes: c.Augment.RefitRotatedBoxes,
	}
}

// OutputOptions returns the encoder settings for derived images
func (c *Config) OutputOptions() types.OutputOptions {
	return types.OutputOptions{
		JPEGQuality:  c.Output.JPEGQuality,
		WebPQuality:  c.Output.WebPQuality,
		WebPLossless: c.Output.WebPLossless,
	}
}

// GetConfigPath returns the configuration file path, honouring YOLO_ANNOTATOR_CONFIG
func GetConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "yolo-annotator", "config.yaml")
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}
