package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"

	"neurax/handler"
	"neurax/internal/config"
	"neurax/internal/integrations/openai"
	"neurax/internal/integrations/paramstore"
	"neurax/internal/repository"
	"neurax/internal/telemetry"
	"neurax/internal/tokens"
	"neurax/internal/usecase"
)

type app struct {
	handler *handler.Handler
	log     *slog.Logger
	closers []func(context.Context) error
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error("shutdown failed", "err", err)
	}
}

// build wires the configured store, completion client and chat service.
func build(ctx context.Context, cfg config.Config) (*app, error) {
	log, logCloser := telemetry.NewLogger(telemetry.ParseLevel(cfg.LogLevel), cfg.LogFile)
	slog.SetDefault(log)
	a := &app{log: log, closers: []func(context.Context) error{closeFunc(logCloser)}}

	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.TelemetryExport, os.Stdout)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, shutdownTelemetry)

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fail(fmt.Errorf("load AWS config: %w", err))
		}
	}

	store, err := newStore(cfg, awsCfg, a)
	if err != nil {
		return fail(err)
	}

	llm, err := newLLM(cfg, awsCfg)
	if err != nil {
		return fail(err)
	}

	svc, err := usecase.NewChatService(store, llm, tokens.NewCounter(cfg.Model, log), usecase.Options{
		Model:            cfg.Model,
		Persona:          cfg.Persona,
		ChatMaxTokens:    cfg.ChatMaxTokens,
		ChatTemperature:  lo.ToPtr(cfg.ChatTemperature),
		TitleMaxTokens:   cfg.TitleMaxTokens,
		TitleTemperature: lo.ToPtr(cfg.TitleTemperature),
	}, log)
	if err != nil {
		return fail(err)
	}

	a.handler, err = handler.NewHandler(svc, log)
	if err != nil {
		return fail(err)
	}
	return a, nil
}

func newStore(cfg config.Config, awsCfg aws.Config, a *app) (usecase.SessionStore, error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb store: %w", err)
		}
		return store, nil
	case config.BackendSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, closeFunc(store))
		return store, nil
	default:
		return repository.NewMemory(), nil
	}
}

func newLLM(cfg config.Config, awsCfg aws.Config) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	switch {
	case cfg.APIKey != "":
		opts = append(opts, openai.WithAPIKey(cfg.APIKey))
	case cfg.ParamPrefix != "":
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("create SSM client: %w", err)
		}
		src, err := paramstore.NewTokenSource(ssmClient, cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("create token source: %w", err)
		}
		opts = append(opts, openai.WithTokenSource(src))
	}
	return openai.NewClient(opts...), nil
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
