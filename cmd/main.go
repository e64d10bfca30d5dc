package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"chat-relay/internal/app"
	"chat-relay/internal/config"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	settings, err := config.Load(config.BackendDynamoDB)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- Wiring ----
	a, err := app.New(ctx, settings, logger)
	if err != nil {
		slog.Error("failed to build service", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	lambda.Start(a.Handler.Handle)
}
