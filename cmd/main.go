package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"neurax/handler"
	"neurax/internal/config"
)

var (
	port  int
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "neurax",
	Short: "NeuraX chat assistant",
	Long: `
NeuraX is a chat assistant backed by an OpenAI-compatible completion API. It keeps named
conversation sessions and serves a browser UI to manage them. Configuration is read from
the environment (AI_API_KEY, STORE_BACKEND, ...).`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server with the web UI and the JSON API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if debug {
			cfg.LogLevel = "debug"
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		addr := fmt.Sprintf(":%d", cfg.Port)
		a.log.Info("listening", "addr", addr, "store", cfg.StoreBackend, "model", cfg.Model)
		return handler.Serve(ctx, handler.NewServer(a.handler), addr)
	},
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda function behind API Gateway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv)
		if err != nil {
			return err
		}
		if debug {
			cfg.LogLevel = "debug"
		}
		a, err := build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		lambda.Start(a.handler.Handle)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	serveCmd.Flags().IntVarP(&port, "port", "p", 5000, "port to listen on (overrides PORT)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lambdaCmd)
}

func main() {
	// Lambda runtimes start the binary without arguments.
	if len(os.Args) == 1 && os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		rootCmd.SetArgs([]string{"lambda"})
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
