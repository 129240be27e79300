package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	annotator "github.com/menta2k/yolo-annotator"
	"github.com/menta2k/yolo-annotator/internal/config"
	"github.com/menta2k/yolo-annotator/internal/utils"
)

var (
	configPath string
	cfg        *config.Config
)

// skipConfigLoad marks commands that run before a config file exists
const skipConfigLoad = "skip-config-load"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yolo-annotator",
		Short: "YOLO dataset annotation storage and augmentation",
		Long: `yolo-annotator stores annotated images as YOLO datasets and expands them
with augmented variants (negative, brightness, mirror, rotate, blur, contrast).

Datasets live under the configured annotations directory, one folder per
session with images/ and labels/ subdirectories.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()

			if _, skip := cmd.Annotations[skipConfigLoad]; skip {
				cfg = config.Default()
				return nil
			}
			loaded, err := loadConfig(cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg = loaded
			slog.SetDefault(newLogger(cfg.Log))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetConfigPath(), "configuration file (yaml or json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newAugmentCmd())
	cmd.AddCommand(newProgressCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVisualizeCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newVariantsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig reads the config file, falling back to defaults when the
// default location has no file. An explicit --config must exist.
func loadConfig(explicit bool) (*config.Config, error) {
	if !explicit && !utils.FileExists(configPath) {
		return config.Default(), nil
	}
	loaded, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", configPath, err)
	}
	return loaded, nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openEngine() (*annotator.Engine, error) {
	return annotator.New(cfg, annotator.WithLogger(slog.Default()))
}
