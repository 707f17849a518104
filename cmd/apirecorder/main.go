package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/apirecorder/internal/certs"
	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/internal/store"
)

const caCommonName = "apirecorder local CA"

type rootOptions struct {
	cfgPath  string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "apirecorder",
		Short:         "Record HTTP traffic into HAR archives",
		Version:       fmt.Sprintf("%s (%s)", observability.Version, observability.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newInitCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newRecordCmd(opts))
	root.AddCommand(newInterceptCmd(opts))
	root.AddCommand(newSessionsCmd(opts))

	return root
}

// load reads and validates the config, honoring the --log-level override.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) *slog.Logger {
	return observability.NewLogger(cfg.Log.Level, os.Stderr)
}

func (o *rootOptions) openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Storage.DBPath)
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory, default config, database and local CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := opts.cfgPath
			if cfgFile == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				cfgFile = p
			}
			cfg := &config.Config{BaseDir: filepath.Dir(cfgFile)}
			cfg.SetDefaults()
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				if err := os.WriteFile(cfgFile, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintln(out, "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(out, "exists", cfgFile)
				if cfg, err = config.Load(cfgFile); err != nil {
					return err
				}
			} else {
				return err
			}

			s, err := opts.openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(out, "database ready", cfg.Storage.DBPath)

			_, created, err := certs.LoadOrCreate(cfg.MITM.CACertFile, cfg.MITM.CAKeyFile, caCommonName)
			if err != nil {
				return fmt.Errorf("local CA: %w", err)
			}
			if created {
				fmt.Fprintln(out, "created CA", cfg.MITM.CACertFile)
				fmt.Fprintln(out, "trust this certificate in your browser to record HTTPS through the mitm backend")
			} else {
				fmt.Fprintln(out, "CA ready", cfg.MITM.CACertFile)
			}
			return nil
		},
	}
}
