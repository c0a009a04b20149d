package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"slotgrid/internal/dispatch"
	"slotgrid/internal/ledger"
	"slotgrid/internal/lifecycle"
	"slotgrid/internal/logging"
	"slotgrid/internal/registry"
)

// ErrInvalidSubmission flags a request that never makes it into the pipeline.
var ErrInvalidSubmission = errors.New("invalid submission")

// historySize bounds how many snippets the pipeline remembers. Old entries
// fall off LRU; their slots and ledger versions are unaffected.
const historySize = 1000

// SubmitRequest is one snippet entering the pipeline.
type SubmitRequest struct {
	Language   string              `json:"language"`
	Source     string              `json:"source"`
	Label      string              `json:"label,omitempty"`
	NodeID     string              `json:"node_id,omitempty"`
	Provenance registry.Provenance `json:"provenance"`
	// AutoPromote promotes in the same call when speculation passes.
	AutoPromote bool `json:"auto_promote,omitempty"`
	// HoldForReview parks the snippet in queued until an explicit
	// Approve/Reject verdict instead of speculating immediately.
	HoldForReview bool `json:"hold_for_review,omitempty"`
}

// Summary counts snippets by phase.
type Summary struct {
	Total    int           `json:"total"`
	ByPhase  map[Phase]int `json:"by_phase"`
	Promoted []string      `json:"promoted_addresses,omitempty"`
	Reserved []string      `json:"reserved_addresses,omitempty"`
}

// Pipeline moves snippets from submission through speculation to promotion.
type Pipeline struct {
	reg         *registry.Registry
	led         ledger.Ledger
	runner      dispatch.SourceRunner
	bus         *lifecycle.Bus
	audit       *AuditTrail
	logger      logging.Logger
	snippetsDir string
	now         func() time.Time

	mu      sync.Mutex
	history *lru.Cache[string, *Snippet]
}

// NewPipeline wires the pipeline. snippetsDir receives durable copies of
// promoted sources; audit may be nil to disable the trail.
func NewPipeline(reg *registry.Registry, led ledger.Ledger, runner dispatch.SourceRunner,
	bus *lifecycle.Bus, audit *AuditTrail, snippetsDir string, logger logging.Logger) (*Pipeline, error) {
	history, err := lru.New[string, *Snippet](historySize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		reg:         reg,
		led:         led,
		runner:      runner,
		bus:         bus,
		audit:       audit,
		logger:      logging.OrNop(logger),
		snippetsDir: snippetsDir,
		now:         time.Now,
		history:     history,
	}, nil
}

// Submit validates a request, reserves the slot the snippet will land on,
// records it and, unless held for review, speculates immediately. The
// reservation is taken before any speculation work: a snippet that cannot
// get a slot (capacity, quota) comes back rejected without ever running.
// With AutoPromote the passed snippet is promoted in the same call.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (Snippet, error) {
	if req.Source == "" {
		return Snippet{}, fmt.Errorf("empty source: %w", ErrInvalidSubmission)
	}
	eng, ok := registry.EngineByLanguage(req.Language)
	if !ok {
		return Snippet{}, fmt.Errorf("language %q: %w", req.Language, registry.ErrUnknownEngine)
	}

	now := p.now()
	sn := &Snippet{
		ID:          newStagingID(),
		Language:    req.Language,
		Source:      req.Source,
		SourceHash:  hashSource(req.Source),
		Label:       req.Label,
		NodeID:      req.NodeID,
		Provenance:  req.Provenance,
		Phase:       PhaseQueued,
		AutoMode:    req.AutoPromote,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	res, err := p.reg.Reserve(eng.Letter, req.Provenance, 0)
	if err != nil {
		sn.Phase = PhaseRejected
		sn.Reason = truncateReason(err.Error())
		p.mu.Lock()
		p.history.Add(sn.ID, sn)
		p.mu.Unlock()
		p.logger.Warn("submission %s rejected: %v", sn.ID, err)
		p.record(sn, map[string]interface{}{"language": sn.Language, "origin": string(req.Provenance.Origin)})
		return *sn, nil
	}
	sn.Address = res.Address.String()
	sn.Provenance = res.Provenance
	sn.heldToken = res.Token

	p.mu.Lock()
	p.history.Add(sn.ID, sn)
	p.mu.Unlock()
	p.record(sn, map[string]interface{}{"language": sn.Language, "origin": string(req.Provenance.Origin)})

	if req.HoldForReview {
		return *sn, nil
	}
	if err := p.speculate(ctx, sn); err != nil {
		return p.snapshot(sn), err
	}
	if req.AutoPromote && p.snapshot(sn).Phase == PhasePassed {
		return p.Promote(ctx, sn.ID)
	}
	return p.snapshot(sn), nil
}

// speculate runs the source in a scratch sandbox and records the verdict.
// The subprocess runs without the pipeline lock held.
func (p *Pipeline) speculate(ctx context.Context, sn *Snippet) error {
	if err := p.setPhase(sn, PhaseSpeculating, ""); err != nil {
		return err
	}
	outcome := p.runner.RunSource(ctx, sn.Language, sn.Source)

	p.mu.Lock()
	sn.SpecOutput = truncateReason(outcome.Output)
	sn.SpecExit = outcome.ExitCode
	p.mu.Unlock()

	switch {
	case outcome.Infra:
		err := p.setPhase(sn, PhaseFailed, outcome.Reason)
		p.releaseHold(sn)
		return err
	case outcome.Skipped:
		err := p.setPhase(sn, PhaseFailed, outcome.Reason)
		p.releaseHold(sn)
		return err
	case outcome.Success:
		return p.setPhase(sn, PhasePassed, "")
	default:
		reason := outcome.Stderr
		if reason == "" {
			reason = outcome.Reason
		}
		err := p.setPhase(sn, PhaseRejected, reason)
		p.releaseHold(sn)
		return err
	}
}

// releaseHold returns the snippet's reserved slot to rotation. Safe to call
// on a snippet with no live hold.
func (p *Pipeline) releaseHold(sn *Snippet) {
	p.mu.Lock()
	token := sn.heldToken
	addrStr := sn.Address
	sn.heldToken = ""
	sn.Address = ""
	p.mu.Unlock()
	if token == "" || addrStr == "" {
		return
	}
	addr, err := registry.ParseAddress(addrStr)
	if err != nil {
		return
	}
	if err := p.reg.CancelReservation(addr, token); err != nil && !errors.Is(err, registry.ErrNotFound) {
		p.logger.Warn("release hold on %s: %v", addrStr, err)
	}
}

// Approve moves a held snippet straight to passed on a reviewer's say-so.
func (p *Pipeline) Approve(id, reviewer string) (Snippet, error) {
	sn, err := p.get(id)
	if err != nil {
		return Snippet{}, err
	}
	if err := p.setPhase(sn, PhasePassed, "approved by "+reviewer); err != nil {
		return Snippet{}, err
	}
	return p.snapshot(sn), nil
}

// Reject discards a held snippet with a reviewer verdict.
func (p *Pipeline) Reject(id, reviewer, reason string) (Snippet, error) {
	sn, err := p.get(id)
	if err != nil {
		return Snippet{}, err
	}
	if reason == "" {
		reason = "rejected by " + reviewer
	}
	if err := p.setPhase(sn, PhaseRejected, reason); err != nil {
		return Snippet{}, err
	}
	p.releaseHold(sn)
	return p.snapshot(sn), nil
}

// Promote commits the slot the snippet has held since submission: the source
// is appended as a new ledger version, the reservation is consumed by the
// commit and a durable copy is written. Commit errors (a lock taken in the
// meantime) leave the snippet passed with its hold intact, so promote is
// retryable; an expired hold or a ledger failure is terminal. Only one
// promote runs per snippet at a time.
func (p *Pipeline) Promote(ctx context.Context, id string) (Snippet, error) {
	sn, err := p.get(id)
	if err != nil {
		return Snippet{}, err
	}
	p.mu.Lock()
	if sn.Phase != PhasePassed {
		phase := sn.Phase
		p.mu.Unlock()
		return Snippet{}, fmt.Errorf("promote from %s: %w", phase, ErrInvalidPhase)
	}
	if sn.promoting {
		p.mu.Unlock()
		return Snippet{}, fmt.Errorf("promote of %s already in flight: %w", id, ErrInvalidPhase)
	}
	sn.promoting = true
	token := sn.heldToken
	addrStr := sn.Address
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		sn.promoting = false
		p.mu.Unlock()
	}()

	addr, err := registry.ParseAddress(addrStr)
	if err != nil {
		p.setPhase(sn, PhaseFailed, "no slot held for promotion")
		return p.snapshot(sn), fmt.Errorf("snippet %s holds no slot: %w", id, registry.ErrTokenExpired)
	}
	info, err := p.reg.Info(addr)
	if err != nil {
		return p.snapshot(sn), err
	}
	if info.Reservation == nil || info.Reservation.Token != token {
		p.mu.Lock()
		sn.heldToken = ""
		sn.Address = ""
		p.mu.Unlock()
		p.setPhase(sn, PhaseFailed, fmt.Sprintf("reservation on %s expired before promotion", addrStr))
		return p.snapshot(sn), fmt.Errorf("hold on %s lapsed: %w", addrStr, registry.ErrTokenExpired)
	}

	nodeID := sn.NodeID
	if nodeID == "" {
		nodeID = "node-" + sn.ID[len("stg-"):]
	}
	ns, err := p.led.AppendVersion(ctx, nodeID, sn.Label, sn.Language, sn.Source, sn.Provenance.Submitter)
	if err != nil {
		p.setPhase(sn, PhaseFailed, fmt.Sprintf("ledger append failed: %v", err))
		p.releaseHold(sn)
		return p.snapshot(sn), err
	}

	prov := p.snapshot(sn).Provenance
	prov.Token = token
	rec, err := p.reg.Commit(addr, nodeID, sn.Label, ns.Version, prov)
	if err != nil {
		return p.snapshot(sn), err
	}

	file := p.writeSnippetFile(sn, rec.Address, nodeID, ns.Version)

	p.mu.Lock()
	sn.NodeID = nodeID
	sn.Version = ns.Version
	sn.Address = rec.Address.String()
	sn.SnippetFile = file
	sn.heldToken = ""
	p.mu.Unlock()
	if err := p.setPhase(sn, PhasePromoted, ""); err != nil {
		return Snippet{}, err
	}
	return p.snapshot(sn), nil
}

// Rollback evicts a promoted snippet's slot. The ledger version stays; only
// the live slot is withdrawn.
func (p *Pipeline) Rollback(ctx context.Context, id, reason string) (Snippet, error) {
	sn, err := p.get(id)
	if err != nil {
		return Snippet{}, err
	}
	p.mu.Lock()
	if sn.Phase != PhasePromoted {
		phase := sn.Phase
		p.mu.Unlock()
		return Snippet{}, fmt.Errorf("rollback from %s: %w", phase, ErrInvalidPhase)
	}
	addrStr := sn.Address
	p.mu.Unlock()

	addr, err := registry.ParseAddress(addrStr)
	if err != nil {
		return Snippet{}, err
	}
	if _, err := p.reg.Evict(addr, false); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return p.snapshot(sn), err
	}
	if err := p.setPhase(sn, PhaseRolledBack, reason); err != nil {
		return Snippet{}, err
	}
	return p.snapshot(sn), nil
}

// Get returns a snippet by staging id.
func (p *Pipeline) Get(id string) (Snippet, error) {
	sn, err := p.get(id)
	if err != nil {
		return Snippet{}, err
	}
	return p.snapshot(sn), nil
}

// List returns remembered snippets, newest first.
func (p *Pipeline) List() []Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.history.Keys()
	out := make([]Snippet, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if sn, ok := p.history.Peek(keys[i]); ok {
			out = append(out, *sn)
		}
	}
	return out
}

// Stats summarizes the pipeline's remembered snippets.
func (p *Pipeline) Stats() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{ByPhase: make(map[Phase]int)}
	for _, key := range p.history.Keys() {
		sn, ok := p.history.Peek(key)
		if !ok {
			continue
		}
		s.Total++
		s.ByPhase[sn.Phase]++
		switch sn.Phase {
		case PhasePromoted:
			s.Promoted = append(s.Promoted, sn.Address)
		case PhaseQueued, PhaseSpeculating, PhasePassed:
			if sn.Address != "" {
				s.Reserved = append(s.Reserved, sn.Address)
			}
		}
	}
	return s
}

// AuditTail exposes the audit trail for the API layer.
func (p *Pipeline) AuditTail(limit int) ([]AuditEvent, error) {
	if p.audit == nil {
		return nil, nil
	}
	return p.audit.Tail(limit)
}

func (p *Pipeline) get(id string) (*Snippet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sn, ok := p.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSnippetNotFound)
	}
	return sn, nil
}

func (p *Pipeline) snapshot(sn *Snippet) Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *sn
}

// setPhase validates and applies a transition, then records it.
func (p *Pipeline) setPhase(sn *Snippet, to Phase, reason string) error {
	p.mu.Lock()
	if !canTransition(sn.Phase, to) {
		from := sn.Phase
		p.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidPhase)
	}
	sn.Phase = to
	sn.UpdatedAt = p.now()
	if reason != "" {
		sn.Reason = truncateReason(reason)
	}
	p.mu.Unlock()

	detail := map[string]interface{}{}
	if reason != "" {
		detail["reason"] = truncateReason(reason)
	}
	p.record(sn, detail)
	return nil
}

// record writes the audit line and publishes the matching bus event.
func (p *Pipeline) record(sn *Snippet, detail map[string]interface{}) {
	cp := p.snapshot(sn)
	p.audit.Append(AuditEvent{
		StagingID:  cp.ID,
		Phase:      cp.Phase,
		SourceHash: cp.SourceHash,
		Detail:     detail,
	})

	payload := map[string]interface{}{
		"staging_id": cp.ID,
		"language":   cp.Language,
		"phase":      string(cp.Phase),
	}
	if cp.Address != "" {
		payload["address"] = cp.Address
	}
	if cp.Reason != "" {
		payload["reason"] = cp.Reason
	}
	switch cp.Phase {
	case PhaseQueued:
		p.bus.Publish(lifecycle.EventStagingSubmitted, payload)
	case PhasePassed:
		p.bus.Publish(lifecycle.EventStagingPassed, payload)
	case PhaseRejected:
		p.bus.Publish(lifecycle.EventStagingRejected, payload)
	case PhaseFailed:
		p.bus.Publish(lifecycle.EventStagingFailed, payload)
	case PhasePromoted:
		p.bus.Publish(lifecycle.EventStagingPromoted, payload)
	case PhaseRolledBack:
		p.bus.Publish(lifecycle.EventStagingRolled, payload)
	}
}

// writeSnippetFile drops a durable copy of a promoted source under the
// snippets dir, with a metadata header in the language's comment syntax.
// Best effort: a write failure is logged and the promote proceeds.
func (p *Pipeline) writeSnippetFile(sn *Snippet, addr registry.Address, nodeID string, version int) string {
	if p.snippetsDir == "" {
		return ""
	}
	cp := p.snapshot(sn)
	dir := filepath.Join(p.snippetsDir, cp.Language)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("snippet dir: %v", err)
		return ""
	}
	name := fmt.Sprintf("%s_%s_%d%s", addr, cp.ID, p.now().Unix(), dispatch.FileExtension(cp.Language))
	path := filepath.Join(dir, name)

	c := dispatch.CommentPrefix(cp.Language)
	header := fmt.Sprintf("%s staging_id: %s\n%s address: %s\n%s node: %s v%d\n%s source_hash: %s\n%s promoted_at: %s\n\n",
		c, cp.ID, c, addr, c, nodeID, version, c, cp.SourceHash, c, p.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(header+cp.Source), 0o644); err != nil {
		p.logger.Warn("snippet file: %v", err)
		return ""
	}
	return path
}
