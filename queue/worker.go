package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/aiagentinc/revalidate"
)

// JobRunner runs one resolved refresh job. *revalidate.Coordinator
// implements it.
type JobRunner interface {
	RunJob(ctx context.Context, job revalidate.RefreshJob, reg *revalidate.Registry) (*revalidate.Entry, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Subscriber message.Subscriber
	Topic      string // DefaultTopic when empty
	Runner     JobRunner
	Registry   *revalidate.Registry
	Logger     revalidate.Logger

	// CloseTimeout bounds how long Close waits for in-flight jobs.
	CloseTimeout time.Duration
	// ThrottlePerSecond caps jobs started per second; 0 disables.
	ThrottlePerSecond int64
}

// Worker consumes refresh jobs from a topic and runs them.
//
// Every message is acked: a failed refresh has already released its lock and
// the next stale read schedules another one, so redelivery would only add
// upstream load. Malformed payloads and unknown job kinds are logged and
// dropped.
type Worker struct {
	router   *message.Router
	runner   JobRunner
	registry *revalidate.Registry
	logger   revalidate.Logger
}

// NewWorker builds the router and registers the consumer handler.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("worker: subscriber is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("worker: runner is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("worker: registry is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = revalidate.NewNoOpLogger()
	}

	logger := cfg.Logger.Named("Worker")
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, NewLoggerAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	if cfg.ThrottlePerSecond > 0 {
		throttle := middleware.NewThrottle(cfg.ThrottlePerSecond, time.Second)
		router.AddMiddleware(throttle.Middleware)
	}

	w := &Worker{
		router:   router,
		runner:   cfg.Runner,
		registry: cfg.Registry,
		logger:   logger,
	}
	router.AddConsumerHandler("revalidate_refresh", cfg.Topic, cfg.Subscriber, w.handle)

	return w, nil
}

// Run starts consuming and blocks until ctx is cancelled or Close is called.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", revalidate.Strings("kinds", kindNames(w.registry)))
	return w.router.Run(ctx)
}

// Running is closed once the worker has subscribed and is consuming.
func (w *Worker) Running() chan struct{} {
	return w.router.Running()
}

// Close stops the router, waiting up to CloseTimeout for in-flight jobs.
func (w *Worker) Close() error {
	return w.router.Close()
}

func (w *Worker) handle(msg *message.Message) error {
	job, err := revalidate.DecodeJob(msg.Payload)
	if err != nil {
		w.logger.Error("dropping malformed refresh job",
			revalidate.String("message_uuid", msg.UUID),
			revalidate.Error(err))
		return nil
	}

	start := time.Now()
	_, err = w.runner.RunJob(msg.Context(), job, w.registry)
	switch {
	case errors.Is(err, revalidate.ErrUnknownJob):
		w.logger.Error("dropping refresh job of unknown kind",
			revalidate.String("job_id", job.ID),
			revalidate.String("kind", string(job.Kind)),
			revalidate.String("key", job.Key))
	case err != nil:
		w.logger.Warn("refresh job failed",
			revalidate.String("job_id", job.ID),
			revalidate.String("key", job.Key),
			revalidate.Duration("elapsed", time.Since(start)),
			revalidate.Error(err))
	default:
		w.logger.Debug("refresh job done",
			revalidate.String("job_id", job.ID),
			revalidate.String("key", job.Key),
			revalidate.Duration("queued", start.Sub(job.EnqueuedAt)),
			revalidate.Duration("elapsed", time.Since(start)))
	}
	return nil
}

func kindNames(reg *revalidate.Registry) []string {
	kinds := reg.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
