package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"line-relay/handler"
	"line-relay/internal/app"
	"line-relay/internal/config"
	"line-relay/internal/integrations/paramstore"
	"line-relay/internal/server"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	var (
		addr    string
		envFile string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "line-relay",
		Short: "Serve the LINE webhook relay over HTTP",
		Long:  "Runs the webhook relay as a plain HTTP server with a SQLite or DynamoDB conversation history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, envFile, backend)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: SERVER_ADDR or :8000)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&backend, "backend", config.BackendSQLite, "history backend when HISTORY_BACKEND is unset (sqlite or dynamodb)")
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "line-relay %s (commit: %s)\n", Version, Commit)
		},
	}
}

func runServe(ctx context.Context, addr, envFile, backend string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var getter paramstore.Getter
	if os.Getenv("PARAM_PREFIX") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		getter = ssmClient
	}

	cfg, err := config.Load(ctx, getter, backend)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.ServerAddr
	}

	store, closeStore, err := app.OpenStore(cfg, func() (*awsdynamodb.Client, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return awsdynamodb.NewFromConfig(awsCfg), nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	logger := slog.Default()
	h, err := app.NewHandler(cfg, store, logger)
	if err != nil {
		return err
	}
	srv := server.New(h, addr, handler.MaxBodyBytes, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("line-relay failed", "err", err)
		stop()
		os.Exit(1)
	}
}
