package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotgrid/internal/dispatch"
	"slotgrid/internal/ledger"
	"slotgrid/internal/lifecycle"
	"slotgrid/internal/registry"
)

type stubRunner struct {
	fn func(ctx context.Context, language, source string) dispatch.Outcome
}

func (s *stubRunner) RunSource(ctx context.Context, language, source string) dispatch.Outcome {
	if s.fn == nil {
		return dispatch.Outcome{Success: true, Output: "ok"}
	}
	return s.fn(ctx, language, source)
}

type env struct {
	pipe *Pipeline
	reg  *registry.Registry
	led  *ledger.SQLiteLedger
	dir  string
}

func newEnv(t *testing.T, runner dispatch.SourceRunner, regOpts ...registry.Option) *env {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.OpenSQLite(filepath.Join(dir, "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	audit, err := OpenAuditTrail(filepath.Join(dir, "staging.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	reg := registry.New(regOpts...)
	if runner == nil {
		runner = &stubRunner{}
	}
	pipe, err := NewPipeline(reg, led, runner, lifecycle.NewBus(nil), audit, filepath.Join(dir, "snippets"), nil)
	require.NoError(t, err)
	return &env{pipe: pipe, reg: reg, led: led, dir: dir}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.pipe.Submit(context.Background(), SubmitRequest{Language: "python"})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = e.pipe.Submit(context.Background(), SubmitRequest{Language: "fortran", Source: "x"})
	assert.ErrorIs(t, err, registry.ErrUnknownEngine)
}

func TestSubmitSpeculationPasses(t *testing.T) {
	e := newEnv(t, nil)

	sn, err := e.pipe.Submit(context.Background(), SubmitRequest{
		Language:   "python",
		Source:     "print('hi')",
		Provenance: registry.Provenance{Origin: registry.OriginHuman, Submitter: "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, sn.Phase)
	assert.Regexp(t, `^stg-[0-9a-f]{12}$`, sn.ID)
	assert.Len(t, sn.SourceHash, 64)
	assert.Equal(t, "ok", sn.SpecOutput)

	// The slot is reserved up front and held through speculation.
	assert.Equal(t, "a1", sn.Address)
	assert.Equal(t, 1, e.reg.Snapshot().TotalReserved)

	events, err := e.pipe.AuditTail(0)
	require.NoError(t, err)
	var phases []Phase
	for _, ev := range events {
		phases = append(phases, ev.Phase)
	}
	assert.Equal(t, []Phase{PhaseQueued, PhaseSpeculating, PhasePassed}, phases)
}

func TestSubmitSpeculationRejectsWithTruncatedReason(t *testing.T) {
	e := newEnv(t, &stubRunner{fn: func(_ context.Context, _, _ string) dispatch.Outcome {
		return dispatch.Outcome{Success: false, Stderr: strings.Repeat("e", 900), ExitCode: 1}
	}})

	sn, err := e.pipe.Submit(context.Background(), SubmitRequest{Language: "ruby", Source: "boom"})
	require.NoError(t, err)
	assert.Equal(t, PhaseRejected, sn.Phase)
	assert.Equal(t, 1, sn.SpecExit)
	assert.LessOrEqual(t, len(sn.Reason), rejectReasonLimit+len("...(truncated)"))
	assert.True(t, strings.HasSuffix(sn.Reason, "...(truncated)"))

	// Rejection returns the reserved slot to the pool.
	assert.Empty(t, sn.Address)
	assert.Equal(t, 0, e.reg.Snapshot().TotalReserved)

	// Rejected is terminal.
	_, err = e.pipe.Promote(context.Background(), sn.ID)
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestSubmitInfraErrorIsTerminalFailure(t *testing.T) {
	e := newEnv(t, &stubRunner{fn: func(_ context.Context, _, _ string) dispatch.Outcome {
		return dispatch.Outcome{Infra: true, Reason: "create scratch dir: disk full"}
	}})

	sn, err := e.pipe.Submit(context.Background(), SubmitRequest{Language: "go", Source: "package main"})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, sn.Phase)
	assert.Contains(t, sn.Reason, "disk full")
	assert.Equal(t, 0, e.reg.Snapshot().TotalReserved)
}

func TestReviewFlowPromoteAndRollback(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sn, err := e.pipe.Submit(ctx, SubmitRequest{
		Language:      "python",
		Source:        "x = 1\n",
		Label:         "Counter",
		Provenance:    registry.Provenance{Origin: registry.OriginHuman, Submitter: "ada"},
		HoldForReview: true,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, sn.Phase)
	assert.Equal(t, "a1", sn.Address, "slot held while the review is pending")

	sn, err = e.pipe.Approve(sn.ID, "grace")
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, sn.Phase)

	sn, err = e.pipe.Promote(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, PhasePromoted, sn.Phase)
	assert.Equal(t, "a1", sn.Address)
	assert.Equal(t, 1, sn.Version)

	// Ledger holds the promoted version; the slot is committed.
	ns, err := e.led.GetNodeSource(ctx, sn.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", ns.Source)
	info, err := e.reg.Info(registry.Address{Engine: "a", Index: 1})
	require.NoError(t, err)
	require.NotNil(t, info.Record)
	assert.Equal(t, sn.NodeID, info.Record.NodeID)

	// The durable copy carries a metadata header.
	require.NotEmpty(t, sn.SnippetFile)
	data, err := os.ReadFile(sn.SnippetFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# staging_id: "+sn.ID)
	assert.Contains(t, string(data), "# address: a1")
	assert.True(t, strings.HasSuffix(string(data), "x = 1\n"))

	sn, err = e.pipe.Rollback(ctx, sn.ID, "regression")
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, sn.Phase)
	info, err = e.reg.Info(registry.Address{Engine: "a", Index: 1})
	require.NoError(t, err)
	assert.Nil(t, info.Record, "rollback vacates the slot")

	// Ledger history survives a rollback.
	_, err = e.led.GetNodeSource(ctx, sn.NodeID)
	assert.NoError(t, err)

	_, err = e.pipe.Rollback(ctx, sn.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestAutoPromote(t *testing.T) {
	e := newEnv(t, nil)

	sn, err := e.pipe.Submit(context.Background(), SubmitRequest{
		Language:    "javascript",
		Source:      "console.log(1)",
		AutoPromote: true,
	})
	require.NoError(t, err)
	assert.Equal(t, PhasePromoted, sn.Phase)
	assert.Equal(t, "b1", sn.Address)
}

func TestSubmitCapacityExhaustedRejectsImmediately(t *testing.T) {
	e := newEnv(t, nil, registry.WithCapacityOverride(1))
	ctx := context.Background()

	first, err := e.pipe.Submit(ctx, SubmitRequest{Language: "rust", Source: "fn main() {}", AutoPromote: true})
	require.NoError(t, err)
	require.Equal(t, PhasePromoted, first.Phase)

	// A full engine rejects at submission, before any speculation runs.
	calls := 0
	e.pipe.runner = &stubRunner{fn: func(_ context.Context, _, _ string) dispatch.Outcome {
		calls++
		return dispatch.Outcome{Success: true}
	}}
	second, err := e.pipe.Submit(ctx, SubmitRequest{Language: "rust", Source: "fn main() { }"})
	require.NoError(t, err)
	assert.Equal(t, PhaseRejected, second.Phase)
	assert.Empty(t, second.Address)
	assert.Contains(t, second.Reason, "slots taken")
	assert.Equal(t, 0, calls)

	// Freeing the slot lets a resubmission through.
	_, err = e.pipe.Rollback(ctx, first.ID, "make room")
	require.NoError(t, err)
	third, err := e.pipe.Submit(ctx, SubmitRequest{Language: "rust", Source: "fn main() { }", AutoPromote: true})
	require.NoError(t, err)
	assert.Equal(t, PhasePromoted, third.Phase)
	assert.Equal(t, "d1", third.Address)
}

func TestConcurrentSubmitsGetDistinctSlots(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	const n = 8
	results := make(chan Snippet, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sn, err := e.pipe.Submit(ctx, SubmitRequest{Language: "python", Source: "x", HoldForReview: true})
			if err == nil {
				results <- sn
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for sn := range results {
		require.NotEmpty(t, sn.Address)
		assert.False(t, seen[sn.Address], "address %s handed out twice", sn.Address)
		seen[sn.Address] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, e.reg.Snapshot().TotalReserved)
}

func TestConcurrentPromoteSingleWinner(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sn, err := e.pipe.Submit(ctx, SubmitRequest{Language: "go", Source: "package main"})
	require.NoError(t, err)
	require.Equal(t, PhasePassed, sn.Phase)

	const n = 6
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.pipe.Promote(ctx, sn.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidPhase)
	}
	assert.Equal(t, 1, wins, "exactly one promote commits")

	snap := e.reg.Snapshot()
	assert.Equal(t, 1, snap.TotalOccupied)
	assert.Equal(t, 0, snap.TotalReserved)
}

func TestPromoteAfterReservationExpiry(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newEnv(t, nil, registry.WithClock(clock), registry.WithReservationTTL(time.Second))
	ctx := context.Background()

	sn, err := e.pipe.Submit(ctx, SubmitRequest{Language: "python", Source: "x", HoldForReview: true})
	require.NoError(t, err)
	sn, err = e.pipe.Approve(sn.ID, "grace")
	require.NoError(t, err)
	require.Equal(t, PhasePassed, sn.Phase)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	_, err = e.pipe.Promote(ctx, sn.ID)
	assert.ErrorIs(t, err, registry.ErrTokenExpired)

	got, err := e.pipe.Get(sn.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.Contains(t, got.Reason, "expired")
}

func TestRejectHeldSnippet(t *testing.T) {
	e := newEnv(t, nil)
	sn, err := e.pipe.Submit(context.Background(), SubmitRequest{
		Language: "perl", Source: "print 1;", HoldForReview: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, e.reg.Snapshot().TotalReserved)

	sn, err = e.pipe.Reject(sn.ID, "grace", "style")
	require.NoError(t, err)
	assert.Equal(t, PhaseRejected, sn.Phase)
	assert.Equal(t, "style", sn.Reason)
	assert.Empty(t, sn.Address)
	assert.Equal(t, 0, e.reg.Snapshot().TotalReserved)
}

func TestGetAndListAndStats(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.pipe.Get("stg-missing00000")
	assert.ErrorIs(t, err, ErrSnippetNotFound)

	a, err := e.pipe.Submit(ctx, SubmitRequest{Language: "python", Source: "1"})
	require.NoError(t, err)
	b, err := e.pipe.Submit(ctx, SubmitRequest{Language: "python", Source: "2", HoldForReview: true})
	require.NoError(t, err)

	list := e.pipe.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest first")
	assert.Equal(t, a.ID, list[1].ID)

	stats := e.pipe.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByPhase[PhasePassed])
	assert.Equal(t, 1, stats.ByPhase[PhaseQueued])
	assert.ElementsMatch(t, []string{"a1", "a2"}, stats.Reserved)
}
