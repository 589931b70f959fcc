// Package scheduler implements the measurement loop: it runs a fixed number
// of trials, one per period, and persists the outcome of each trial.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtracker/internal/config"
	"github.com/m-lab/speedtracker/internal/metrics"
	"github.com/m-lab/speedtracker/pkg/model"
)

// ErrProbeFailure is returned by Run when a trial fails.
var ErrProbeFailure = errors.New("probe failure")

// State is the state of a Scheduler.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is the outcome of a single trial.
type Result = model.Result

// Probe measures throughput.
type Probe interface {
	Measure(ctx context.Context, testID int) (Result, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, testID int) (Result, error)

// Measure calls f(ctx, testID).
func (f ProbeFunc) Measure(ctx context.Context, testID int) (Result, error) {
	return f(ctx, testID)
}

// Appender persists records.
type Appender interface {
	Append(model.Record) error
}

// Scheduler runs trials with a Probe and appends their results to an
// Appender.
type Scheduler struct {
	cfg   config.RunConfig
	probe Probe
	store Appender
	state atomic.Int32

	// now and sleep are replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Scheduler in the Idle state.
func New(cfg config.RunConfig, probe Probe, store Appender) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		probe: probe,
		store: store,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// State returns the current state of the Scheduler.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run runs all the trials of the configured run. It returns nil once every
// trial completed, or the first error encountered. Probe and storage errors
// are not retried.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("scheduler cannot start from state %s", s.State())
	}

	n := s.cfg.NumberOfTrials()
	period := s.cfg.Period()
	log.Info("Starting run", "trials", n, "period", period,
		"duration", s.cfg.Duration(), "end", s.now().Add(s.cfg.Duration()).Format(time.DateTime))

	for id := 0; id < n; id++ {
		result, err := s.trial(ctx, id)
		if err != nil {
			s.state.Store(int32(Aborted))
			return err
		}

		wait := period - result.Elapsed()
		if wait <= 0 {
			log.Warn("Trial took longer than the period, not sleeping",
				"id", id, "elapsed", result.Elapsed(), "period", period)
			continue
		}
		log.Info("Sleeping", "id", id, "duration", wait.Round(10*time.Millisecond))
		if err := s.sleep(ctx, wait); err != nil {
			s.state.Store(int32(Aborted))
			return err
		}
	}

	s.state.Store(int32(Completed))
	log.Info("Run completed", "trials", n)
	return nil
}

// trial runs the probe once and persists the result.
func (s *Scheduler) trial(ctx context.Context, id int) (Result, error) {
	log.Info("Starting trial", "id", id)
	probeCtx := ctx
	if s.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
	}

	start := s.now()
	result, err := s.probe.Measure(probeCtx, id)
	if err != nil && ctx.Err() != nil {
		// Stopped from outside, e.g. on SIGTERM. Only the probe deadline is
		// a probe failure.
		log.Info("Trial interrupted", "id", id, "error", err)
		return Result{}, ctx.Err()
	}
	if err != nil {
		metrics.TrialsTotal.WithLabelValues("probe_error").Inc()
		log.Error("Trial failed", "id", id, "started", start.Format(time.DateTime),
			"timeout", s.cfg.ProbeTimeout, "error", err)
		return Result{}, fmt.Errorf("%w: trial %d: %v", ErrProbeFailure, id, err)
	}
	log.Info("Download completed", "id", id,
		"speed", fmt.Sprintf("%.2f Mbps", result.DownloadMbps),
		"took", fmt.Sprintf("%.2fs", result.DownloadElapsed.Seconds()))
	log.Info("Upload completed", "id", id,
		"speed", fmt.Sprintf("%.2f Mbps", result.UploadMbps),
		"took", fmt.Sprintf("%.2fs", result.UploadElapsed.Seconds()))
	metrics.TrialDuration.WithLabelValues("download").Observe(result.DownloadElapsed.Seconds())
	metrics.TrialDuration.WithLabelValues("upload").Observe(result.UploadElapsed.Seconds())
	metrics.Throughput.WithLabelValues("download").Set(result.DownloadMbps)
	metrics.Throughput.WithLabelValues("upload").Set(result.UploadMbps)

	record := model.NewRecord(id, result.DownloadMbps, result.UploadMbps,
		result.DownloadElapsed, result.UploadElapsed, s.now())
	if err := s.store.Append(record); err != nil {
		metrics.TrialsTotal.WithLabelValues("storage_error").Inc()
		log.Error("Cannot persist trial", "id", id, "error", err)
		return Result{}, fmt.Errorf("trial %d: %w", id, err)
	}
	metrics.TrialsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
