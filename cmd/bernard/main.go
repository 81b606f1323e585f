// Command bernard synchronises Shared Drives to a local SQLite mirror and
// prints the paths each sync changed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	lowe "github.com/m-rots/bernard"
	"github.com/m-rots/bernard/auth"

	"github.com/spf13/cobra"
)

const (
	colourReset  string = "\033[0m"
	colourRed    string = "\033[1;31m"
	colourGreen  string = "\033[1;32m"
	colourYellow string = "\033[1;33m"
)

var flags struct {
	config   string
	account  string
	database string
	poolSize int
	logLevel string
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bernard",
	Short:        "Mirror the metadata of Google Drive Shared Drives",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "path of the TOML config file")
	pf.StringVarP(&flags.account, "account", "a", "", "path of the Service Account JSON key")
	pf.StringVar(&flags.database, "database", "", "path of the sqlite3 database file")
	pf.IntVar(&flags.poolSize, "pool-size", 0, "database connection pool size")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(syncCmd, removeCmd, resetCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync [drive ID...]",
	Short: "Synchronise Shared Drives and print the changed paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args, syncDrive)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove [drive ID...]",
	Short: "Remove Shared Drives from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args, func(ctx context.Context, b *lowe.Bernard, driveID string) error {
			return b.RemoveDrive(ctx, driveID)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset [drive ID...]",
	Short: "Remove Shared Drives and run a fresh full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args, func(ctx context.Context, b *lowe.Bernard, driveID string) error {
			if err := b.RemoveDrive(ctx, driveID); err != nil {
				return err
			}

			return syncDrive(ctx, b, driveID)
		})
	},
}

// run assembles Bernard from config and flags and applies fn to every drive.
func run(ctx context.Context, driveIDs []string, fn func(context.Context, *lowe.Bernard, string) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := readConfig(flags.config)
	if err != nil {
		return err
	}

	if flags.account != "" {
		cfg.Account = flags.account
	}
	if flags.database != "" {
		cfg.Database = flags.database
	}
	if flags.poolSize > 0 {
		cfg.PoolSize = flags.poolSize
	}
	if len(driveIDs) > 0 {
		cfg.Drives = driveIDs
	}

	if len(cfg.Drives) == 0 {
		return fmt.Errorf("no drive IDs given on the command line or in the config file")
	}

	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return err
	}

	account, err := auth.FromFile(cfg.Account)
	if err != nil {
		return err
	}

	bernard, err := lowe.NewBuilder(cfg.Database, account).
		PoolSize(cfg.PoolSize).
		With(lowe.WithLogger(logger)).
		Build()
	if err != nil {
		return err
	}
	defer bernard.Close()

	for _, driveID := range cfg.Drives {
		if err := fn(ctx, bernard, driveID); err != nil {
			return err
		}
	}

	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	return slog.New(handler), nil
}

// syncDrive performs one sync and prints the resulting delta.
func syncDrive(ctx context.Context, b *lowe.Bernard, driveID string) error {
	res, err := b.SyncDrive(ctx, driveID)
	if err != nil {
		return err
	}

	if res.Kind == lowe.KindFull {
		fmt.Printf("%s: full sync complete\n", driveID)
		return nil
	}

	paths, err := res.Changes.Paths(ctx)
	if err != nil {
		return err
	}

	for _, p := range paths.Added {
		fmt.Printf("%sadded%s   %s\n", colourGreen, colourReset, p.Path)
	}

	for _, change := range paths.Changed {
		fmt.Printf("%schanged%s %s -> %s\n", colourYellow, colourReset, change.Old.Path, change.New.Path)
	}

	for _, p := range paths.Removed {
		fmt.Printf("%sremoved%s %s\n", colourRed, colourReset, p.Path)
	}

	return nil
}
