package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tributary/internal/logging"
	"tributary/internal/metrics"
)

// ProcessFunc handles one item. Returning emit=false drops the item without
// counting it as a failure.
type ProcessFunc[In, Out any] func(ctx context.Context, in In) (out Out, emit bool, err error)

// StageConfig describes a stage. Output may be nil for a terminal stage.
type StageConfig[In, Out any] struct {
	Name    string
	Workers int
	Input   *Queue[In]
	Output  *Queue[Out]
	Process ProcessFunc[In, Out]
	// OnPause runs on the worker that received a pause marker, before the
	// marker is forwarded.
	OnPause func(ctx context.Context)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// StageSnapshot is a point-in-time view of a stage's counters.
type StageSnapshot struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Processed  int64  `json:"processed"`
	Filtered   int64  `json:"filtered"`
	Failed     int64  `json:"failed"`
	Paused     int64  `json:"paused"`
	QueueDepth int    `json:"queue_depth"`
	QueueCap   int    `json:"queue_cap"`
	Running    bool   `json:"running"`
}

// Stage runs Workers goroutines that pull from Input, apply Process and
// push results to Output.
type Stage[In, Out any] struct {
	cfg    StageConfig[In, Out]
	logger *slog.Logger

	processed atomic.Int64
	filtered  atomic.Int64
	failed    atomic.Int64
	paused    atomic.Int64

	started  atomic.Bool
	running  atomic.Bool
	stopping chan struct{}
	stopOnce sync.Once
	shutdown atomic.Bool
	done     chan struct{}
}

// NewStage validates cfg and returns an unstarted stage.
func NewStage[In, Out any](cfg StageConfig[In, Out]) *Stage[In, Out] {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Input == nil {
		panic(fmt.Sprintf("pipeline: stage %q has no input queue", cfg.Name))
	}
	if cfg.Process == nil {
		panic(fmt.Sprintf("pipeline: stage %q has no process func", cfg.Name))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("pipeline")
	}
	return &Stage[In, Out]{
		cfg:      cfg,
		logger:   logger.With("stage", cfg.Name),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Stage[In, Out]) Name() string { return s.cfg.Name }

// Done is closed once every worker has exited and, if the stage stopped
// because of a Shutdown marker, the marker has been forwarded.
func (s *Stage[In, Out]) Done() <-chan struct{} { return s.done }

// Start launches the workers. Calling Start twice is a no-op.
func (s *Stage[In, Out]) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.running.Store(true)

	var wg sync.WaitGroup
	for i := range s.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.work(ctx, id)
		}(i)
	}

	go func() {
		wg.Wait()
		s.running.Store(false)
		if s.shutdown.Load() && s.cfg.Output != nil {
			if err := s.cfg.Output.Send(ctx, Shutdown[Out]()); err != nil {
				s.logger.Warn("could not forward shutdown", "error", err)
			}
		}
		s.logger.Debug("stage stopped", "shutdown", s.shutdown.Load())
		close(s.done)
	}()
}

func (s *Stage[In, Out]) work(ctx context.Context, id int) {
	for {
		var env Envelope[In]
		select {
		case <-s.stopping:
			return
		case <-ctx.Done():
			return
		case env = <-s.cfg.Input.ch:
		}
		s.observeDepth()

		switch env.Signal {
		case SignalItem:
			s.handle(ctx, env.Value)
		case SignalPause:
			s.paused.Add(1)
			s.count(metrics.ResultPaused)
			s.logger.Debug("pause acknowledged", "worker", id)
			if s.cfg.OnPause != nil {
				s.cfg.OnPause(ctx)
			}
			if s.cfg.Output != nil {
				if err := s.cfg.Output.Send(ctx, Pause[Out]()); err != nil {
					return
				}
			}
		case SignalShutdown:
			s.logger.Debug("shutdown acknowledged", "worker", id)
			s.shutdown.Store(true)
			s.stopOnce.Do(func() { close(s.stopping) })
			return
		default:
			s.logger.Error("unknown signal dropped", "signal", env.Signal)
		}
	}
}

func (s *Stage[In, Out]) handle(ctx context.Context, in In) {
	start := time.Now()
	out, emit, err := s.safeProcess(ctx, in)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageDuration.WithLabelValues(s.cfg.Name).Observe(time.Since(start).Seconds())
	}

	switch {
	case err != nil:
		s.failed.Add(1)
		s.count(metrics.ResultFailed)
		s.logger.Warn("item failed", "error", err)
		return
	case !emit:
		s.filtered.Add(1)
		s.count(metrics.ResultFiltered)
		return
	}

	s.processed.Add(1)
	s.count(metrics.ResultProcessed)
	if s.cfg.Output != nil {
		if err := s.cfg.Output.Send(ctx, Item(out)); err != nil {
			s.logger.Debug("output send abandoned", "error", err)
		}
	}
}

func (s *Stage[In, Out]) safeProcess(ctx context.Context, in In) (out Out, emit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage %s: %v\n%s", s.cfg.Name, r, debug.Stack())
		}
	}()
	return s.cfg.Process(ctx, in)
}

func (s *Stage[In, Out]) count(result string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageItems.WithLabelValues(s.cfg.Name, result).Inc()
	}
}

func (s *Stage[In, Out]) observeDepth() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.QueueDepth.WithLabelValues(s.cfg.Input.Name()).Set(float64(s.cfg.Input.Len()))
	}
}

// Snapshot returns the current counters.
func (s *Stage[In, Out]) Snapshot() StageSnapshot {
	return StageSnapshot{
		Name:       s.cfg.Name,
		Workers:    s.cfg.Workers,
		Processed:  s.processed.Load(),
		Filtered:   s.filtered.Load(),
		Failed:     s.failed.Load(),
		Paused:     s.paused.Load(),
		QueueDepth: s.cfg.Input.Len(),
		QueueCap:   s.cfg.Input.Cap(),
		Running:    s.running.Load(),
	}
}
