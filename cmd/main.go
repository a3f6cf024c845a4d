// Command lumen runs the prompt enhancement service and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/technique"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lumen",
		Short: "Lumen prompt enhancement service",
		Long: `Lumen rewrites prompts with a chosen prompting technique, routing each
request through an ordered list of AI backends with per-identity quotas.

Configuration is read from LUMEN_* environment variables.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTechniquesCmd(), newTokenCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := database.New(ctx, cfg.DSN())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", cfg.RedactedDSN())
			return nil
		},
	}
}

func newTechniquesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "techniques",
		Short: "List the available prompting techniques",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := cmd.Flags().GetString("category")
			if err != nil {
				return err
			}
			all := technique.All()
			if cat != "" {
				all = technique.ByCategory(technique.Category(cat))
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tNAME")
			for _, d := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Category, d.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringP("category", "c", "", "Only list techniques in this category (general, writing, coding)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed bearer token for a user (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("LUMEN_JWT_SECRET is not set")
			}
			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}
			tok, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.With(zap.String("service", "lumen"), zap.String("version", version)), nil
}
