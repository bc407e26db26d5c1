// Package controller drives invoke tasks from a task source through the
// build driver and files exactly one terminal report per task.
package controller

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"invoker/internal/common/mq"
	"invoker/internal/invoker/model"
	"invoker/internal/invoker/source"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/contextkey"
	"invoker/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval  = time.Second
	defaultMaxBackoff    = 30 * time.Second
	defaultReportTimeout = 10 * time.Second
	defaultSourceFile    = "source"
	outcomeFile          = "outcome.json"
)

// Builder builds one submission.
type Builder interface {
	Build(ctx context.Context, sub model.Submission) (model.Status, error)
}

// Config holds controller settings.
type Config struct {
	PoolSize     int           `yaml:"poolSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// MaxBackoff caps the delay after consecutive LoadTasks failures.
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
	ReportTimeout time.Duration `yaml:"reportTimeout"`
	// SourceFile is the submission source inside a task's run directory.
	SourceFile string `yaml:"sourceFile"`
}

func (c *Config) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = defaultReportTimeout
	}
	if c.SourceFile == "" {
		c.SourceFile = defaultSourceFile
	}
}

// Controller pulls tasks and runs them with bounded concurrency.
type Controller struct {
	source  source.TaskSource
	builder Builder
	limiter *mq.TokenLimiter
	cfg     Config
}

// New creates a controller.
func New(src source.TaskSource, builder Builder, cfg Config) (*Controller, error) {
	if src == nil {
		return nil, pkgerrors.New(pkgerrors.ConfigInvalid).WithMessage("task source is required")
	}
	if builder == nil {
		return nil, pkgerrors.New(pkgerrors.ConfigInvalid).WithMessage("builder is required")
	}
	cfg.setDefaults()
	return &Controller{
		source:  src,
		builder: builder,
		limiter: mq.NewTokenLimiter(cfg.PoolSize),
		cfg:     cfg,
	}, nil
}

// InFlight reports how many invocations are running.
func (c *Controller) InFlight() int {
	return c.limiter.Capacity() - c.limiter.Available()
}

// Run polls the source until ctx is done, then waits for in-flight
// invocations. Those finish and report even after ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	var g errgroup.Group
	workCtx := context.WithoutCancel(ctx)
	failures := 0

	logger.Info(ctx, "controller started", zap.Int("pool_size", c.cfg.PoolSize))
	for {
		if err := c.limiter.Acquire(ctx); err != nil {
			break
		}
		held := 1
		for held < c.limiter.Capacity() && c.limiter.TryAcquire() {
			held++
		}

		tasks, err := c.source.LoadTasks(ctx, held)
		if len(tasks) > held {
			logger.Error(ctx, "task source returned more tasks than requested", zap.Int("requested", held), zap.Int("returned", len(tasks)))
		}
		for i, task := range tasks {
			if i >= held {
				// No slot is left for it.
				c.finish(workCtx, task, model.FinishFault)
				continue
			}
			task := task
			g.Go(func() error {
				defer c.limiter.Release()
				c.process(workCtx, task)
				return nil
			})
		}
		for i := len(tasks); i < held; i++ {
			c.limiter.Release()
		}

		var delay time.Duration
		switch {
		case err != nil:
			failures++
			delay = computeBackoff(failures-1, c.cfg.PollInterval, c.cfg.MaxBackoff)
			logger.Warn(ctx, "load tasks failed", zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
		case len(tasks) == 0:
			failures = 0
			delay = c.cfg.PollInterval
		default:
			failures = 0
		}
		if delay > 0 && !sleep(ctx, delay) {
			break
		}
	}

	logger.Info(ctx, "controller stopping", zap.Int("in_flight", c.InFlight()))
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs one task and always files a terminal report.
func (c *Controller) process(ctx context.Context, task model.InvokeTask) {
	ctx = context.WithValue(ctx, contextkey.InvocationID, task.InvocationID.String())
	reason := model.FinishFault
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "invocation panicked", zap.Any("panic", r), zap.Stack("stack"))
			reason = model.FinishFault
		}
		c.finish(ctx, task, reason)
	}()
	reason = c.invoke(ctx, task)
}

func (c *Controller) invoke(ctx context.Context, task model.InvokeTask) model.InvocationFinishReason {
	start := time.Now()
	c.report(ctx, task, model.LiveStatusUpdate{Stage: "build started"})

	sub := model.Submission{
		ID:           SubmissionID(task),
		ToolchainID:  task.ToolchainID,
		IsolationKey: task.InvocationID.String(),
	}
	if task.RunDir != "" {
		sub.SourcePath = filepath.Join(task.RunDir, c.cfg.SourceFile)
	}
	status, err := c.builder.Build(ctx, sub)
	if err != nil {
		logger.Error(ctx, "build failed", zap.Uint32("submission_id", sub.ID), zap.Error(err))
		return model.FinishFault
	}
	logger.Info(ctx, "build finished",
		zap.String("status_kind", string(status.Kind)),
		zap.String("status_code", status.Code),
		zap.Duration("elapsed", time.Since(start)),
	)
	c.report(ctx, task, model.LiveStatusUpdate{Stage: "build finished: " + status.Code})

	header := model.InvokeOutcomeHeader{Status: &status}
	if err := c.writeOutcome(task, header); err != nil {
		logger.Error(ctx, "write outcome file failed", zap.String("dir", task.InvocationDir), zap.Error(err))
		return model.FinishFault
	}
	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.source.AddOutcomeHeader(ctx, task.InvocationID, header)
	}); err != nil {
		logger.Error(ctx, "attach outcome header failed", zap.Error(err))
		return model.FinishFault
	}
	return model.FinishReasonFor(status)
}

func (c *Controller) writeOutcome(task model.InvokeTask, header model.InvokeOutcomeHeader) error {
	if task.InvocationDir == "" {
		return nil
	}
	if err := os.MkdirAll(task.InvocationDir, 0750); err != nil {
		return err
	}
	data, err := json.Marshal(header)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(task.InvocationDir, outcomeFile), data, 0640)
}

func (c *Controller) report(ctx context.Context, task model.InvokeTask, update model.LiveStatusUpdate) {
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.source.DeliverLiveStatusUpdate(ctx, task.InvocationID, update)
	})
	if err != nil {
		logger.Warn(ctx, "deliver live status update failed", zap.String("stage", update.Stage), zap.Error(err))
	}
}

func (c *Controller) finish(ctx context.Context, task model.InvokeTask, reason model.InvocationFinishReason) {
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.source.SetFinished(ctx, task.InvocationID, reason)
	})
	if err != nil {
		logger.Error(ctx, "set finished failed", zap.String("reason", string(reason)), zap.Error(err))
		return
	}
	logger.Info(ctx, "invocation finished", zap.String("reason", string(reason)))
}

func (c *Controller) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReportTimeout)
	defer cancel()
	return fn(ctx)
}

// SubmissionID derives the build submission id from the first 32 bits of
// the invocation id. It is not unique for arbitrary ids; the isolation root
// is keyed by the full invocation id instead.
func SubmissionID(task model.InvokeTask) uint32 {
	return binary.BigEndian.Uint32(task.InvocationID[:4])
}
