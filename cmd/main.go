package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"line-relay/internal/app"
	"line-relay/internal/config"
	"line-relay/internal/integrations/paramstore"
)

func main() {
	ctx := context.Background()

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Configuration (read only here) ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(ctx, ssmClient, config.BackendDynamoDB)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	// ---- History store ----
	store, closeStore, err := app.OpenStore(cfg, func() (*awsdynamodb.Client, error) {
		return awsdynamodb.NewFromConfig(awsCfg), nil
	})
	if err != nil {
		slog.Error("failed to open history store", "backend", cfg.HistoryBackend, "err", err)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	// ---- Handler ----
	h, err := app.NewHandler(cfg, store, slog.Default())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
