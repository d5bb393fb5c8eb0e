// Package cli implements the paperctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"sciecho/internal/util"
	"sciecho/pkg/store"
	"sciecho/services/paper/internal/app"
	"sciecho/services/paper/internal/config"
	"sciecho/services/paper/internal/setup"
)

const commandTimeout = 30 * time.Second

type options struct {
	configPath string
}

// NewRootCmd builds the paperctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "paperctl",
		Short:         "Inspect and repair paper accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.ConfigPath, "Path to the paper service config")
	root.AddCommand(
		newStatusCmd(opts),
		newBootstrapCmd(opts),
		newClearCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Print the usage and current document of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, paper *app.App) error {
				status, err := paper.GetStatus(ctx, args[0], time.Time{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newBootstrapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap <account-id>",
		Short: "Create the ledger of an account if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, paper *app.App) error {
				status, err := paper.Bootstrap(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newClearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <account-id>",
		Short: "Discard the current document of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, paper *app.App) error {
				if err := paper.DiscardDocument(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared document of %s\n", args[0])
				return nil
			})
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.StoreBackendPostgres {
				return fmt.Errorf("migrate needs the postgres store, config uses %q", cfg.StoreBackend)
			}
			db, err := store.NewGormStore(cfg.DatabaseURL,
				store.WithAutoMigrate(true),
				store.WithSlowThreshold(config.MustDuration(cfg.DBSlowThreshold)),
			)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func withApp(cmd *cobra.Command, opts *options, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	util.InitLogger(cfg.LogLevel)
	stores, err := setup.OpenStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	objects, err := setup.NewObjectStore(ctx, cfg.Minio)
	if err != nil {
		return err
	}
	engine, err := setup.NewEngine(cfg.Engine)
	if err != nil {
		return err
	}
	paper, err := setup.NewApp(cfg, stores, engine, objects)
	if err != nil {
		return err
	}
	return fn(ctx, paper)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
