// Package main runs the chat relay as a plain HTTP server for local use.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chat-relay/internal/app"
	"chat-relay/internal/config"
	"chat-relay/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr    string
		backend string
		envFile string
		verbose bool
		logger  *slog.Logger
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve /chat and /conversations over HTTP",
		Long: `Run the chat relay locally behind gin.

Settings come from the environment (optionally loaded from a .env file).
The store defaults to a bbolt file so history survives restarts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", envFile, err)
			}
			if cmd.Flags().Changed("backend") {
				if err := os.Setenv("STORE_BACKEND", backend); err != nil {
					return err
				}
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), addr, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Listen address")
	cmd.PersistentFlags().StringVarP(&backend, "backend", "b", config.BackendBolt, "Store backend (dynamodb, bolt, redis, memory)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load if present")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(askCmd(func() *slog.Logger { return logger }))
	return cmd
}

func askCmd(logger func() *slog.Logger) *cobra.Command {
	var in usecase.SendInput

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one turn without streaming and print the reply",
		Long: `Send a message, wait for the whole reply and print it with the finish
reason and token usage. The turn is stored like any other, so follow-ups
can pass the printed conversation id.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Message = strings.Join(args, " ")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			settings, err := config.Load(config.BackendBolt)
			if err != nil {
				return err
			}
			a, err := app.New(ctx, settings, logger())
			if err != nil {
				return err
			}
			defer a.Close()

			return runAsk(ctx, a.Chat, in, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&in.ConversationID, "conversation", "c", "", "Conversation to continue (a new one is created if empty)")
	cmd.Flags().StringVarP(&in.Model, "model", "m", "", "Model to use (defaults to DEFAULT_MODEL)")
	cmd.Flags().StringVar(&in.ReasoningEffort, "reasoning-effort", "", "Reasoning effort for models that accept it")
	return cmd
}

type completer interface {
	Complete(ctx context.Context, in usecase.SendInput) (usecase.CompleteOutput, error)
}

func runAsk(ctx context.Context, chat completer, in usecase.SendInput, w io.Writer) error {
	out, err := chat.Complete(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out.Text)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "conversation:  %s\n", out.ConversationID)
	fmt.Fprintf(w, "model:         %s\n", out.Model)
	if out.FinishReason != "" {
		fmt.Fprintf(w, "finish reason: %s\n", out.FinishReason)
	}
	if u := out.Usage; u != nil {
		fmt.Fprintf(w, "usage:         prompt=%d completion=%d total=%d\n", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	}
	return nil
}

func serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(config.BackendBolt)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	a.Handler.RegisterRoutes(router)

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", "addr", addr, "store_backend", settings.Store.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("devserver shutting down")
	return srv.Shutdown(shutdownCtx)
}
