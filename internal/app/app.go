// Package app assembles the gateway, oracle and workflow from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/querygraph/internal/config"
	"github.com/duckmesh/querygraph/internal/gateway"
	"github.com/duckmesh/querygraph/internal/gateway/dataset"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/oracle"
	"github.com/duckmesh/querygraph/internal/prompts"
	"github.com/duckmesh/querygraph/internal/storage"
	s3store "github.com/duckmesh/querygraph/internal/storage/s3"
	"github.com/duckmesh/querygraph/internal/workflow"
)

// Components is everything a binary needs to answer questions.
type Components struct {
	Gateway  *gateway.Gateway
	Oracle   oracle.Oracle
	Workflow *workflow.Workflow
}

func (c *Components) Close() error {
	if c == nil || c.Gateway == nil {
		return nil
	}
	return c.Gateway.Close()
}

// Build creates the oracle before opening the database so provider and
// capability mistakes fail without touching the gateway.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	o, err := NewOracle(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := workflowOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	if opts.CheckMode == workflow.CheckForce {
		if err := oracle.CheckToolChoice(o, oracle.ChooseAny()); err != nil {
			return nil, fmt.Errorf("check mode %s: %w", opts.CheckMode, err)
		}
	}

	gw, err := OpenGateway(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	wf, err := workflow.New(o, gw, opts)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	return &Components{Gateway: gw, Oracle: o, Workflow: wf}, nil
}

// NewOracle builds the configured backend with request metrics attached.
func NewOracle(cfg config.Config) (oracle.Oracle, error) {
	o, err := oracle.New(oracle.Config{
		Provider:    cfg.Oracle.Provider,
		ModelName:   cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		Streaming:   cfg.Oracle.Streaming,
		BaseURL:     cfg.Oracle.BaseURL,
		APIKey:      cfg.Oracle.APIKey,
		Timeout:     cfg.Oracle.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return oracle.WithObserver(o, observability.ObserveOracleRequest), nil
}

// OpenGateway connects to the configured database, fetching the demo dataset
// and registering parquet views when configured.
func OpenGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	views, err := config.ParseParquetViews(cfg.Database.ParquetViews)
	if err != nil {
		return nil, err
	}
	source, err := demoSource(cfg)
	if err != nil {
		return nil, err
	}

	opts := gateway.DefaultOptions()
	opts.MaxOpenConns = cfg.Database.MaxOpenConns
	opts.MaxIdleConns = cfg.Database.MaxIdleConns
	opts.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	opts.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	opts.SampleRows = cfg.Database.SampleRows
	opts.RowLimit = cfg.Database.RowLimit
	opts.ParquetViews = views
	opts.DemoSource = source

	gw, err := gateway.Connect(ctx, cfg.Database.URI, opts)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database connected",
			slog.String("dialect", gw.Dialect()),
			slog.Int("parquet_views", len(views)),
		)
	}
	return gw, nil
}

// demoSource reads the dataset from object storage for s3:// URLs. The
// bucket named in the URL wins over the configured one; the configured
// prefix only applies inside the configured bucket.
func demoSource(cfg config.Config) (dataset.Source, error) {
	raw := strings.TrimSpace(cfg.Database.DemoDatasetURL)
	if !storage.IsObjectURL(raw) {
		return dataset.NewSource(raw, nil)
	}
	target, err := storage.ParseObjectURL(raw)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if target.Bucket == cfg.ObjectStore.Bucket {
		prefix = cfg.ObjectStore.Prefix
	}
	store, err := s3store.New(s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          target.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Prefix:          prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("demo dataset object store: %w", err)
	}
	return dataset.NewSource(raw, store)
}

func workflowOptions(cfg config.Config, logger *slog.Logger) (workflow.Options, error) {
	topology, err := workflow.ParseTopology(cfg.Workflow.Topology)
	if err != nil {
		return workflow.Options{}, err
	}
	checkMode, err := workflow.ParseCheckMode(cfg.Workflow.CheckMode)
	if err != nil {
		return workflow.Options{}, err
	}
	set, err := prompts.Load(cfg.Workflow.PromptsFile)
	if err != nil {
		return workflow.Options{}, err
	}
	return workflow.Options{
		Topology:  topology,
		CheckMode: checkMode,
		MaxSteps:  cfg.Workflow.MaxSteps,
		Prompts:   set,
		Logger:    logger,
	}, nil
}
