package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/filemon/filemon"
	"github.com/jnesss/filemon/process"
	"github.com/jnesss/filemon/sigma"
)

type operationStore interface {
	InsertOperation(l filemon.Line) (int64, error)
}

type ruleEvaluator interface {
	Evaluate(ctx context.Context, l filemon.Line, operationID int64) ([]sigma.MatchResult, error)
}

type imageRecorder interface {
	Record(path string) (string, error)
}

type pipelineMetrics interface {
	LineDropped()
	RuleMatched(ruleID string)
	StageFailed(stage string)
}

// pipeline hands emitted lines to the slow consumers on its own goroutine so
// that a session never blocks on sqlite or rule evaluation. Lines are
// processed in emission order; when the queue is full they are dropped.
type pipeline struct {
	logger   *zap.Logger
	tree     *process.Tree
	store    operationStore
	rules    ruleEvaluator
	binaries imageRecorder
	metrics  pipelineMetrics

	lines chan filemon.Line
	done  chan struct{}
	once  sync.Once
}

// start launches the worker. Stages left nil are skipped.
func (p *pipeline) start(ctx context.Context, queueSize int) {
	if queueSize <= 0 {
		queueSize = 1
	}
	p.lines = make(chan filemon.Line, queueSize)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// ObserveLine implements filemon.Observer.
func (p *pipeline) ObserveLine(l filemon.Line) {
	select {
	case p.lines <- l:
	default:
		if p.metrics != nil {
			p.metrics.LineDropped()
		}
		p.logger.Debug("pipeline queue full, dropping line", zap.Stringer("line", l))
	}
}

// Close drains queued lines and stops the worker.
func (p *pipeline) Close() {
	p.once.Do(func() {
		close(p.lines)
		<-p.done
	})
}

func (p *pipeline) run(ctx context.Context) {
	defer close(p.done)
	for l := range p.lines {
		p.handle(ctx, l)
	}
}

func (p *pipeline) handle(ctx context.Context, l filemon.Line) {
	if p.tree != nil {
		p.tree.ObserveLine(l)
		if l.Op == filemon.OpExec && p.binaries != nil {
			p.recordImage(l.PID)
		}
	}

	var id int64
	if p.store != nil {
		var err error
		if id, err = p.store.InsertOperation(l); err != nil {
			p.failed("database", l, err)
			return
		}
	}

	if p.rules == nil {
		return
	}
	matches, err := p.rules.Evaluate(ctx, l, id)
	for _, m := range matches {
		if p.metrics != nil {
			p.metrics.RuleMatched(m.Rule.ID)
		}
	}
	if err != nil {
		p.failed("sigma", l, err)
	}
}

func (p *pipeline) recordImage(pid int32) {
	info, ok := p.tree.Get(pid)
	if !ok || info.Image == "" {
		return
	}
	hash, err := p.binaries.Record(info.Image)
	if hash != "" {
		p.tree.SetImageHash(pid, info.Image, hash)
	}
	if err != nil {
		p.logger.Debug("hashing image", zap.String("image", info.Image), zap.Error(err))
	}
}

func (p *pipeline) failed(stage string, l filemon.Line, err error) {
	if p.metrics != nil {
		p.metrics.StageFailed(stage)
	}
	p.logger.Warn("pipeline stage failed",
		zap.String("stage", stage),
		zap.Stringer("line", l),
		zap.Error(err))
}
