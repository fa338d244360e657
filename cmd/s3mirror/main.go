package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/store/s3store"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "s3mirror",
	Short: "Mirror a local directory into an S3 bucket",
	Long: `s3mirror keeps a local directory tree mirrored into an S3 bucket.

Local creations and modifications are pushed once the file has been quiet
for the settle timeout; deletions and renames are mirrored as remote
deletions. Optionally, local files older than a retention period are
pruned on a schedule.

Configuration is read from s3mirror.yaml or s3mirror.toml in the working
directory or in ~/.config/s3mirror, or from the file given with --config.
Every key can be overridden from the environment, e.g.
S3MIRROR_BUCKET_NAME=archive.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Mirroring:"},
		&cobra.Group{ID: "objects", Title: "Object commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// setup loads the configuration and builds the logger.
func setup() (config.Config, *logrus.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg, logger
}

func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) *s3store.Store {
	if err := cfg.ValidateBucket(); err != nil {
		fatalf("%v", err)
	}

	opts := s3store.OptionsFromConfig(cfg)
	opts.Logger = logger
	st, err := s3store.New(ctx, opts)
	if err != nil {
		fatalf("failed to connect to bucket %s: %v", cfg.Bucket.Name, err)
	}
	return st
}
