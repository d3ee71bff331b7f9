package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/duocapture/internal/config"
	"github.com/audiolibrelab/duocapture/internal/device"
)

var (
	cfg          *config.Config
	cfgFile      string
	envFile      string
	profile      string
	maxFPS       bool
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "duocapture",
	Short: "Front and back camera capture orchestrator",
	Long: `DuoCapture drives a device with a front and a back camera through a single
capture pipeline. It switches between the cameras, records either one on demand
and runs a timed routine that records the front camera, pauses, then records
the back camera.

Recordings can be kept in place or handed to a media library directory, an S3
bucket or a Redis job queue once they finish.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)
		loadEnvFile(envFile)

		// config use only needs the file path
		if cmd.Name() == "use" {
			return nil
		}

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("max-fps") {
			cfg.Camera.MaxFrameRate = maxFPS
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/duocapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (AWS and Redis credentials)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().BoolVar(&maxFPS, "max-fps", false, "lock cameras to their fastest frame rate (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sequenceCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// defaultConfigPath returns the config path used when --config is not given
func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/duocapture.yaml")
}

// loadConfig loads the selected profile. A missing default config file yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if profile != "" {
				return nil, fmt.Errorf("profile '%s' requested but %s does not exist", profile, path)
			}
			slog.Debug("No config file found, using defaults", "path", path)
			return config.Default(), nil
		}
	}
	return config.LoadWithProfile(path, profile)
}

// loadEnvFile loads credentials from a dotenv file when present
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Debug("No .env file loaded, using system environment variables", "path", path)
	}
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	case level == 1:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = device.LevelTrace
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}
