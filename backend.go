package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/filemon/binary"
	"github.com/jnesss/filemon/database"
	"github.com/jnesss/filemon/filemon"
	"github.com/jnesss/filemon/metrics"
	"github.com/jnesss/filemon/process"
	"github.com/jnesss/filemon/sigma"
	"github.com/jnesss/filemon/web"
)

// backend holds the consumers of the filemon log. Optional parts are nil
// when their config key is empty.
type backend struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	tree     *process.Tree
	db       *database.DB
	detector *sigma.Detector
	binaries *binary.Cache
}

func openBackend(cfg Config, logger *zap.Logger) (*backend, error) {
	tree, err := process.NewTree(cfg.Pipeline.Retain)
	if err != nil {
		return nil, fmt.Errorf("create process tree: %w", err)
	}
	b := &backend{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		tree:    tree,
	}

	if cfg.Database.Path != "" {
		if b.db, err = database.Open(cfg.Database.Path); err != nil {
			return nil, err
		}
		logger.Info("database opened", zap.String("path", cfg.Database.Path))
	}

	if cfg.Sigma.RulesDir != "" {
		var store sigma.Store
		if b.db != nil {
			store = b.db
		}
		if b.detector, err = sigma.NewDetector(cfg.Sigma.RulesDir, tree, store, logger.Named("sigma")); err != nil {
			b.Close()
			return nil, fmt.Errorf("initialize sigma detection: %w", err)
		}
	}

	if cfg.Binaries.CacheSize > 0 {
		if b.binaries, err = binary.NewCache(cfg.Binaries.CacheSize, cfg.Binaries.Dir, logger); err != nil {
			b.Close()
			return nil, fmt.Errorf("initialize binary cache: %w", err)
		}
	}
	return b, nil
}

func (b *backend) pipeline(ctx context.Context) *pipeline {
	p := &pipeline{
		logger:  b.logger.Named("pipeline"),
		tree:    b.tree,
		metrics: b.metrics,
	}
	if b.db != nil {
		p.store = b.db
	}
	if b.detector != nil {
		p.rules = b.detector
	}
	if b.binaries != nil {
		p.binaries = b.binaries
	}
	p.start(ctx, b.cfg.Pipeline.QueueSize)
	return p
}

func (b *backend) webServer() *web.Server {
	var (
		store web.Store
		rules web.Rules
	)
	if b.db != nil {
		store = b.db
	}
	if b.detector != nil {
		rules = b.detector
	}
	return web.NewServer(b.cfg.Web.Listen, store, b.tree, rules, b.metrics.Registry(), b.logger.Named("web"))
}

// replay rebuilds the process tree from stored operations.
func (b *backend) replay() error {
	if b.db == nil {
		return nil
	}
	ops, err := b.db.Operations(database.OperationQuery{})
	if err != nil {
		return err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Op == "" {
			continue
		}
		b.tree.ObserveLine(filemon.Line{Op: op.Op[0], PID: op.PID, Paths: op.Paths, Value: op.Value})
	}
	b.logger.Info("process tree rebuilt", zap.Int("operations", len(ops)))
	return nil
}

func (b *backend) Close() error {
	var errs []error
	if b.detector != nil {
		errs = append(errs, b.detector.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
