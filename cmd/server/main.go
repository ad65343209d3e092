package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/auth"
	"github.com/OpenNSW/formflow/internal/config"
	"github.com/OpenNSW/formflow/internal/database"
	"github.com/OpenNSW/formflow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "formflow",
	Short: "multi-step form builder and submission server",
	Example: `formflow serve
formflow migrate
formflow token --creator <creator-id>`,
	// Running without a subcommand starts the server.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd(), migrateCmd(), tokenCmd())
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	cobra.EnableCommandSorting = false
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := database.New(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := database.Close(db); err != nil {
					logger.Error("failed to close database", zap.Error(err))
				}
			}()

			if err := database.Migrate(db); err != nil {
				return err
			}
			logger.Info("database migrated")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var creatorID string
	command := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a form creator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			token, err := tokens.Issue(creatorID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	command.Flags().StringVar(&creatorID, "creator", "", "creator id carried by the token")
	_ = command.MarkFlagRequired("creator")
	return command
}

// bootstrap loads the configuration and builds the logger for it.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Server.Env)
	if err != nil {
		log.Printf("failed to build logger: %v", err)
		return nil, nil, err
	}
	return cfg, logger, nil
}
