package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"slotgrid/internal/ledger"
	"slotgrid/internal/lifecycle"
	"slotgrid/internal/logging"
	"slotgrid/internal/registry"
)

// Status classifies a per-slot run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of running one slot.
type Result struct {
	Address    string        `json:"address"`
	NodeID     string        `json:"node_id,omitempty"`
	Version    int           `json:"version,omitempty"`
	Language   string        `json:"language,omitempty"`
	Status     Status        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExitCode   int           `json:"exit_code,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Summary aggregates a run-all sweep.
type Summary struct {
	TotalSlots int           `json:"total_slots"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	TotalTime  time.Duration `json:"-"`
	TotalMS    int64         `json:"total_time_ms"`
}

// RunAllReport is the full result of a matrix sweep.
type RunAllReport struct {
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}

// DefaultParallelism bounds concurrent slot executions in a sweep.
const DefaultParallelism = 8

// Dispatcher runs committed slots. Each address runs at most one execution
// at a time; a second request for a busy address fails fast instead of
// queueing.
type Dispatcher struct {
	reg         *registry.Registry
	led         ledger.Ledger
	runner      SourceRunner
	bus         *lifecycle.Bus
	logger      logging.Logger
	parallelism int

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher wires a dispatcher. parallelism <= 0 uses the default.
func NewDispatcher(reg *registry.Registry, led ledger.Ledger, runner SourceRunner, bus *lifecycle.Bus, logger logging.Logger, parallelism int) *Dispatcher {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Dispatcher{
		reg:         reg,
		led:         led,
		runner:      runner,
		bus:         bus,
		logger:      logging.OrNop(logger),
		parallelism: parallelism,
		inflight:    make(map[string]struct{}),
	}
}

// InFlight lists addresses with a run in progress, for status reporting.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.inflight))
	for a := range d.inflight {
		out = append(out, a)
	}
	return out
}

func (d *Dispatcher) acquire(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[addr]; busy {
		return false
	}
	d.inflight[addr] = struct{}{}
	return true
}

func (d *Dispatcher) release(addr string) {
	d.mu.Lock()
	delete(d.inflight, addr)
	d.mu.Unlock()
}

// RunSlot executes one committed slot and folds the outcome into registry
// stats and the ledger's execution history. Missing toolchains yield a
// skipped result that touches neither.
func (d *Dispatcher) RunSlot(ctx context.Context, addr registry.Address) (Result, error) {
	key := addr.String()
	if !d.acquire(key) {
		return Result{}, fmt.Errorf("%s: %w", key, registry.ErrSlotBusy)
	}
	defer d.release(key)

	info, err := d.reg.Info(addr)
	if err != nil {
		return Result{}, err
	}
	if info.Record == nil {
		return Result{}, fmt.Errorf("%s has no committed source: %w", key, registry.ErrNotFound)
	}
	rec := *info.Record

	res := Result{
		Address:  key,
		NodeID:   rec.NodeID,
		Version:  rec.Version,
		Language: rec.Language,
	}
	d.bus.Publish(lifecycle.EventExecStarted, map[string]interface{}{
		"address": key, "node_id": rec.NodeID, "version": rec.Version,
	})

	src, err := d.led.GetNodeVersion(ctx, rec.NodeID, rec.Version)
	if err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("source unavailable: %v", err)
		d.finish(ctx, addr, rec, res)
		return res, nil
	}

	outcome := d.runner.RunSource(ctx, rec.Language, src.Source)
	res.Duration = outcome.Duration
	res.DurationMS = outcome.Duration.Milliseconds()
	res.Output = outcome.Output
	res.ExitCode = outcome.ExitCode

	switch {
	case outcome.Skipped:
		res.Status = StatusSkipped
		res.SkipReason = outcome.Reason
		d.bus.Publish(lifecycle.EventExecFinished, map[string]interface{}{
			"address": key, "status": string(res.Status), "reason": outcome.Reason,
		})
		return res, nil
	case outcome.Success:
		res.Status = StatusPassed
	default:
		res.Status = StatusFailed
		res.Error = failureMessage(outcome)
	}
	d.finish(ctx, addr, rec, res)
	return res, nil
}

// failureMessage picks the most useful error text for a failed outcome. A
// timeout beats whatever partial stderr the process managed to emit.
func failureMessage(o Outcome) string {
	if o.TimedOut && o.Reason != "" {
		return o.Reason
	}
	if o.Stderr != "" {
		return o.Stderr
	}
	return o.Reason
}

// finish records the result. The slot may have been evicted while the run
// was in flight; in that case the stat update is discarded and the result
// still returns to the caller.
func (d *Dispatcher) finish(ctx context.Context, addr registry.Address, rec registry.SlotRecord, res Result) {
	success := res.Status == StatusPassed
	if _, err := d.reg.RecordExecution(addr, success, res.Output, res.Error, res.Duration); err != nil {
		d.logger.Warn("slot %s changed during run, stats discarded: %v", res.Address, err)
	}
	if err := d.led.RecordExecution(ctx, ledger.ExecutionRecord{
		NodeID:   rec.NodeID,
		Version:  rec.Version,
		Address:  res.Address,
		Success:  success,
		Output:   res.Output,
		Error:    res.Error,
		Duration: res.Duration,
	}); err != nil {
		d.logger.Warn("ledger record for %s failed: %v", res.Address, err)
	}
	d.bus.Publish(lifecycle.EventExecFinished, map[string]interface{}{
		"address": res.Address, "status": string(res.Status), "duration_ms": res.DurationMS,
	})
}

// RunAllSlots sweeps every committed slot (optionally restricted to the
// given engine letters) with bounded parallelism. Results come back in
// address order regardless of completion order. resetBefore clears the
// swept slots' accumulated exec stats first; each run is already a fresh
// subprocess, so there is no interpreter state beyond the stats to reset.
func (d *Dispatcher) RunAllSlots(ctx context.Context, resetBefore bool, engines ...string) RunAllReport {
	if resetBefore {
		n := d.reg.ResetExecutionStats(engines...)
		d.logger.Info("run-all: reset stats on %d slots before sweep", n)
	}
	slots := d.reg.OccupiedSlots(engines...)
	start := time.Now()
	results := make([]Result, len(slots))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, rec := range slots {
		i, rec := i, rec
		g.Go(func() error {
			res, err := d.RunSlot(ctx, rec.Address)
			if err != nil {
				res = Result{
					Address:    rec.Address.String(),
					NodeID:     rec.NodeID,
					Language:   rec.Language,
					Status:     StatusSkipped,
					SkipReason: err.Error(),
				}
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	report := RunAllReport{Results: results}
	report.Summary.TotalSlots = len(results)
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			report.Summary.Passed++
		case StatusFailed:
			report.Summary.Failed++
		default:
			report.Summary.Skipped++
		}
	}
	report.Summary.TotalTime = time.Since(start)
	report.Summary.TotalMS = report.Summary.TotalTime.Milliseconds()

	d.bus.Publish(lifecycle.EventRunAllCompleted, map[string]interface{}{
		"total_slots": report.Summary.TotalSlots,
		"passed":      report.Summary.Passed,
		"failed":      report.Summary.Failed,
		"skipped":     report.Summary.Skipped,
	})
	d.logger.Info("run-all: %d slots, %d passed, %d failed, %d skipped in %s",
		report.Summary.TotalSlots, report.Summary.Passed, report.Summary.Failed,
		report.Summary.Skipped, report.Summary.TotalTime)
	return report
}

// RunEngineCombined concatenates every committed source on one engine into a
// single program and runs it once.
//
// Deprecated: combined runs lose per-slot isolation and stats; one bad slot
// poisons the whole engine. Prefer RunAllSlots with an engine filter.
func (d *Dispatcher) RunEngineCombined(ctx context.Context, engineLetter string) (Result, error) {
	eng, ok := registry.EngineByLetter(engineLetter)
	if !ok {
		return Result{}, fmt.Errorf("%q: %w", engineLetter, registry.ErrUnknownEngine)
	}
	slots := d.reg.OccupiedSlots(engineLetter)
	if len(slots) == 0 {
		return Result{}, fmt.Errorf("engine %s has no committed slots: %w", engineLetter, registry.ErrNotFound)
	}

	prefix := CommentPrefix(eng.Language)
	var b strings.Builder
	for _, rec := range slots {
		src, err := d.led.GetNodeVersion(ctx, rec.NodeID, rec.Version)
		if err != nil {
			return Result{}, fmt.Errorf("source for %s: %w", rec.Address, err)
		}
		fmt.Fprintf(&b, "%s --- %s: %s v%d ---\n%s\n\n", prefix, rec.Address, rec.NodeID, rec.Version, src.Source)
	}

	outcome := d.runner.RunSource(ctx, eng.Language, b.String())
	res := Result{
		Address:    engineLetter + "*",
		Language:   eng.Language,
		Output:     outcome.Output,
		ExitCode:   outcome.ExitCode,
		Duration:   outcome.Duration,
		DurationMS: outcome.Duration.Milliseconds(),
	}
	switch {
	case outcome.Skipped:
		res.Status = StatusSkipped
		res.SkipReason = outcome.Reason
	case outcome.Success:
		res.Status = StatusPassed
	default:
		res.Status = StatusFailed
		res.Error = failureMessage(outcome)
	}
	return res, nil
}
