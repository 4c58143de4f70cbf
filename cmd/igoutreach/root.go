package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"igoutreach/pkg/config"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
)

var (
	// Version information
	version   = "0.4.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	tenantFlag string
	storeFlag  string
	dsnFlag    string
	dbFlag     string

	cfg *config.Config
	log logger.Logger
)

// skipConfig marks commands that must run without a valid configuration.
const skipConfig = "skip-config"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "igoutreach",
	Short: "Rate-limited Instagram direct message outreach",
	Long: `igoutreach sends direct messages to Instagram leads at a human pace and
discovers new leads from follower lists and post comments.

Sending is governed by a rolling hourly ceiling, a daily ceiling and a
randomized delay between messages. Every target is contacted at most once.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			log = logger.GetLogger()
			return nil
		}
		return loadConfig(cmd)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errs.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.igoutreach.yaml or ~/.config/igoutreach/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&tenantFlag, "tenant", "t", "", "tenant to operate on")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "store driver (sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "postgres connection string")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "sqlite database path")

	rootCmd.SetVersionTemplate(`igoutreach {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// flagOverrides collects the flags that override configuration, in the
// shape config.MergeCommandLineFlags expects. Only flags the user set are
// included.
func flagOverrides(cmd *cobra.Command) map[string]interface{} {
	flags := map[string]interface{}{
		"tenant":    tenantFlag,
		"store":     storeFlag,
		"dsn":       dsnFlag,
		"db":        dbFlag,
		"log-level": logLevel,
	}
	fs := cmd.Flags()
	for _, name := range []string{"daily-limit", "max-per-hour"} {
		if v, err := fs.GetInt(name); err == nil && fs.Changed(name) {
			flags[name] = v
		}
	}
	for _, name := range []string{"min-delay", "max-delay"} {
		if v, err := fs.GetDuration(name); err == nil && fs.Changed(name) {
			flags[name] = v
		}
	}
	for _, name := range []string{"leads", "driver-url", "addr"} {
		if v, err := fs.GetString(name); err == nil && fs.Changed(name) {
			flags[name] = v
		}
	}
	if v, err := fs.GetBool("headless"); err == nil && fs.Changed("headless") {
		flags["headless"] = v
	}
	return flags
}

func loadConfig(cmd *cobra.Command) error {
	c, err := config.Load(configFile, flagOverrides(cmd))
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, err, "load configuration")
	}
	if err := logger.Initialize(&c.Logging); err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, err, "initialize logger")
	}
	cfg = c
	log = logger.GetLogger()
	return nil
}
