package registry

import (
	"sort"
	"sync"
	"time"

	"slotgrid/internal/logging"
)

// Registry is the addressable slot matrix. Each engine row carries its own
// lock so python traffic never serializes behind, say, rust traffic. TTL
// expiry of reservations is lazy: stale holds are purged on the next access
// to their row, never by a background sweeper.
type Registry struct {
	logger  logging.Logger
	now     func() time.Time
	tracker *ProvenanceTracker
	rows    map[string]*engineRow
}

type engineRow struct {
	mu           sync.Mutex
	engine       Engine
	capacity     int
	slots        map[int]*SlotRecord
	reservations map[int]*Reservation
}

// Option configures a Registry at construction time.
type Option func(*options)

type options struct {
	logger           logging.Logger
	clock            func() time.Time
	capacityOverride int
	reservationTTL   time.Duration
	agentQuota       int
}

// WithLogger attaches a component logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithCapacityOverride caps every engine row at n slots. Used to exercise
// capacity exhaustion without walking 64 reservations.
func WithCapacityOverride(n int) Option {
	return func(o *options) { o.capacityOverride = n }
}

// WithReservationTTL overrides the default reservation lifetime.
func WithReservationTTL(ttl time.Duration) Option {
	return func(o *options) { o.reservationTTL = ttl }
}

// WithAgentQuota overrides the per-agent concurrent reservation cap.
func WithAgentQuota(n int) Option {
	return func(o *options) { o.agentQuota = n }
}

// New builds a registry with every engine row empty.
func New(opts ...Option) *Registry {
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	logger := logging.OrNop(o.logger)
	tracker := NewProvenanceTracker(o.reservationTTL, o.agentQuota, logger)
	tracker.now = o.clock
	r := &Registry{
		logger:  logger,
		now:     o.clock,
		tracker: tracker,
		rows:    make(map[string]*engineRow, len(Engines)),
	}
	for _, e := range Engines {
		capacity := e.Capacity
		if o.capacityOverride > 0 && capacity > o.capacityOverride {
			capacity = o.capacityOverride
		}
		r.rows[e.Letter] = &engineRow{
			engine:       e,
			capacity:     capacity,
			slots:        make(map[int]*SlotRecord),
			reservations: make(map[int]*Reservation),
		}
	}
	return r
}

// Tracker exposes the provenance tracker for status reporting.
func (r *Registry) Tracker() *ProvenanceTracker { return r.tracker }

func (r *Registry) row(letter string) (*engineRow, error) {
	row, ok := r.rows[letter]
	if !ok {
		return nil, wrapf(ErrUnknownEngine, "%q", letter)
	}
	return row, nil
}

// occupied reports whether an index holds committed source.
func (row *engineRow) occupied(idx int) bool {
	rec, ok := row.slots[idx]
	return ok && rec.NodeID != ""
}

// purgeExpiredLocked drops reservations past their TTL. A lock on the slot
// suspends expiry: the hold survives until the slot is unlocked. Caller holds
// row.mu.
func (r *Registry) purgeExpiredLocked(row *engineRow) {
	now := r.now()
	for idx, res := range row.reservations {
		if rec, ok := row.slots[idx]; ok && rec.Locked {
			continue
		}
		if now.After(res.ExpiresAt) {
			r.logger.Debug("reservation %s on %s expired", res.Token, res.Address)
			delete(row.reservations, idx)
			r.tracker.Release(res.Token)
		}
	}
}

// Reserve claims the lowest-numbered free slot on the engine and returns a
// time-boxed token. A zero ttl uses the tracker default.
func (r *Registry) Reserve(engineLetter string, prov Provenance, ttl time.Duration) (Reservation, error) {
	row, err := r.row(engineLetter)
	if err != nil {
		return Reservation{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	r.purgeExpiredLocked(row)

	idx := 0
	for i := 1; i <= row.capacity; i++ {
		if row.occupied(i) {
			continue
		}
		if rec, ok := row.slots[i]; ok && rec.Locked {
			continue
		}
		if _, held := row.reservations[i]; held {
			continue
		}
		idx = i
		break
	}
	if idx == 0 {
		return Reservation{}, wrapf(ErrCapacityExhausted, "engine %s (%s): all %d slots taken",
			row.engine.Letter, row.engine.Language, row.capacity)
	}

	token, expires, err := r.tracker.Issue(prov, ttl)
	if err != nil {
		return Reservation{}, err
	}
	prov.Token = token
	res := Reservation{
		Address:    Address{Engine: engineLetter, Index: idx},
		Token:      token,
		Provenance: prov,
		IssuedAt:   r.now(),
		ExpiresAt:  expires,
	}
	row.reservations[idx] = &res
	r.logger.Info("reserved %s for %s (token %s)", res.Address, prov.Origin, token)
	return res, nil
}

// Commit installs source metadata into a slot, consuming any reservation held
// on it. Committing over a live occupant is a hot swap: execution stats carry
// over and the slot stays pending until its new source runs successfully.
func (r *Registry) Commit(addr Address, nodeID, nodeLabel string, version int, prov Provenance) (SlotRecord, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return SlotRecord{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	r.purgeExpiredLocked(row)

	if rec, ok := row.slots[addr.Index]; ok && rec.Locked {
		return SlotRecord{}, wrapf(ErrLockedSlot, "%s locked by %s", addr, rec.LockedBy)
	}
	if res, held := row.reservations[addr.Index]; held && res.Token != prov.Token {
		return SlotRecord{}, wrapf(ErrSlotBusy, "%s reserved under another token", addr)
	}
	if res, held := row.reservations[addr.Index]; held {
		delete(row.reservations, addr.Index)
		r.tracker.Release(res.Token)
	}

	now := r.now()
	rec := &SlotRecord{
		Address:     addr,
		NodeID:      nodeID,
		NodeLabel:   nodeLabel,
		Version:     version,
		Language:    row.engine.Language,
		SwapState:   SwapCommitted,
		Provenance:  prov,
		CommittedAt: now,
	}
	if prev, ok := row.slots[addr.Index]; ok && prev.NodeID != "" {
		rec.SwapState = SwapPending
		rec.ExecCount = prev.ExecCount
		r.logger.Info("hot swap on %s: %s v%d over %s v%d", addr, nodeID, version, prev.NodeID, prev.Version)
	} else {
		r.logger.Info("committed %s v%d to %s", nodeID, version, addr)
	}
	row.slots[addr.Index] = rec
	return *rec, nil
}

// Evict frees a slot. Locked slots refuse eviction unless force is set, in
// which case the lock is discarded with the occupant.
func (r *Registry) Evict(addr Address, force bool) (SlotRecord, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return SlotRecord{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	rec, ok := row.slots[addr.Index]
	if !ok || rec.NodeID == "" {
		return SlotRecord{}, wrapf(ErrNotFound, "%s is vacant", addr)
	}
	if rec.Locked && !force {
		return SlotRecord{}, wrapf(ErrLockedSlot, "%s locked by %s: %s", addr, rec.LockedBy, rec.LockReason)
	}
	evicted := *rec
	delete(row.slots, addr.Index)
	if res, held := row.reservations[addr.Index]; held {
		delete(row.reservations, addr.Index)
		r.tracker.Release(res.Token)
	}
	r.logger.Info("evicted %s (%s v%d, force=%v)", addr, evicted.NodeID, evicted.Version, force)
	return evicted, nil
}

// CancelReservation releases a hold early, returning the slot to rotation
// and the token to the agent's quota. A token mismatch leaves the hold in
// place.
func (r *Registry) CancelReservation(addr Address, token string) error {
	row, err := r.row(addr.Engine)
	if err != nil {
		return err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	res, ok := row.reservations[addr.Index]
	if !ok {
		return wrapf(ErrNotFound, "no reservation on %s", addr)
	}
	if res.Token != token {
		return wrapf(ErrSlotBusy, "%s reserved under another token", addr)
	}
	delete(row.reservations, addr.Index)
	r.tracker.Release(token)
	r.logger.Info("cancelled reservation %s on %s", token, addr)
	return nil
}

// Lock pins a slot against eviction and hot swap. Vacant addresses can be
// locked too, which takes them out of the reserve rotation.
func (r *Registry) Lock(addr Address, by, reason string) (SlotRecord, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return SlotRecord{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	rec, ok := row.slots[addr.Index]
	if !ok {
		rec = &SlotRecord{Address: addr, Language: row.engine.Language}
		row.slots[addr.Index] = rec
	}
	rec.Locked = true
	rec.LockedBy = by
	rec.LockReason = reason
	rec.LockedAt = r.now()
	if res, held := row.reservations[addr.Index]; held {
		r.tracker.SetSuspended(res.Token, true)
	}
	r.logger.Info("locked %s by %s: %s", addr, by, reason)
	return *rec, nil
}

// Unlock releases a lock. Returns false if the slot was not locked.
func (r *Registry) Unlock(addr Address) (bool, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return false, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	rec, ok := row.slots[addr.Index]
	if !ok || !rec.Locked {
		return false, nil
	}
	rec.Locked = false
	rec.LockedBy = ""
	rec.LockReason = ""
	rec.LockedAt = time.Time{}
	if res, held := row.reservations[addr.Index]; held {
		r.tracker.SetSuspended(res.Token, false)
	}
	if rec.NodeID == "" {
		delete(row.slots, addr.Index)
	}
	r.logger.Info("unlocked %s", addr)
	return true, nil
}

// SlotInfo is the full view of one address: committed record (nil if vacant)
// plus any live reservation.
type SlotInfo struct {
	Address     Address
	Engine      Engine
	Record      *SlotRecord
	Reservation *Reservation
}

// Info returns the current state of one address.
func (r *Registry) Info(addr Address) (SlotInfo, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return SlotInfo{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	r.purgeExpiredLocked(row)

	info := SlotInfo{Address: addr, Engine: row.engine}
	if rec, ok := row.slots[addr.Index]; ok {
		cp := *rec
		info.Record = &cp
	}
	if res, ok := row.reservations[addr.Index]; ok {
		cp := *res
		info.Reservation = &cp
	}
	return info, nil
}

// RecordExecution folds an execution result into the slot's stats. Output and
// error previews are truncated. A successful run clears pending_swap; a
// failed run leaves it set.
func (r *Registry) RecordExecution(addr Address, success bool, output, errMsg string, dur time.Duration) (SlotRecord, error) {
	row, err := r.row(addr.Engine)
	if err != nil {
		return SlotRecord{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	rec, ok := row.slots[addr.Index]
	if !ok || rec.NodeID == "" {
		return SlotRecord{}, wrapf(ErrNotFound, "%s has no committed source", addr)
	}
	rec.ExecCount++
	rec.LastSuccess = success
	rec.LastOutput = truncatePreview(output)
	rec.LastError = truncatePreview(errMsg)
	rec.LastDuration = dur
	rec.LastDurationMS = dur.Milliseconds()
	rec.LastExecutedAt = r.now()
	if success {
		rec.SwapState = SwapCommitted
	}
	return *rec, nil
}

// ResetExecutionStats clears accumulated run stats on committed slots,
// optionally restricted to the given engine letters. Swap state is left
// alone: a pending hot swap still needs a passing run to clear. Returns the
// number of slots touched.
func (r *Registry) ResetExecutionStats(engineFilter ...string) int {
	letters := engineFilter
	if len(letters) == 0 {
		for _, e := range Engines {
			letters = append(letters, e.Letter)
		}
	}
	count := 0
	for _, letter := range letters {
		row, ok := r.rows[letter]
		if !ok {
			continue
		}
		row.mu.Lock()
		for _, rec := range row.slots {
			if rec.NodeID == "" {
				continue
			}
			rec.ExecCount = 0
			rec.LastSuccess = false
			rec.LastOutput = ""
			rec.LastError = ""
			rec.LastDuration = 0
			rec.LastDurationMS = 0
			rec.LastExecutedAt = time.Time{}
			count++
		}
		row.mu.Unlock()
	}
	r.logger.Info("reset execution stats on %d slots", count)
	return count
}

// OccupiedSlots lists committed slots across all engines, ordered by address.
// An optional engine filter restricts the listing to those letters.
func (r *Registry) OccupiedSlots(engineFilter ...string) []SlotRecord {
	letters := engineFilter
	if len(letters) == 0 {
		for _, e := range Engines {
			letters = append(letters, e.Letter)
		}
	}
	var out []SlotRecord
	for _, letter := range letters {
		row, ok := r.rows[letter]
		if !ok {
			continue
		}
		row.mu.Lock()
		for _, rec := range row.slots {
			if rec.NodeID != "" {
				out = append(out, *rec)
			}
		}
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address.Engine != out[j].Address.Engine {
			return out[i].Address.Engine < out[j].Address.Engine
		}
		return out[i].Address.Index < out[j].Address.Index
	})
	return out
}

// EngineSnapshot is one engine row frozen in time.
type EngineSnapshot struct {
	Letter       string                 `json:"letter"`
	Language     string                 `json:"language"`
	Capacity     int                    `json:"capacity"`
	Occupied     int                    `json:"occupied"`
	Slots        map[string]SlotRecord  `json:"slots"`
	Reservations map[string]Reservation `json:"reservations,omitempty"`
}

// Snapshot is a point-in-time copy of the whole matrix. Rows are locked one
// at a time, so the snapshot is per-row consistent, not globally atomic.
type Snapshot struct {
	TakenAt       time.Time        `json:"taken_at"`
	Engines       []EngineSnapshot `json:"engines"`
	TotalCapacity int              `json:"total_capacity"`
	TotalOccupied int              `json:"total_occupied"`
	TotalReserved int              `json:"total_reserved"`
	TotalLocked   int              `json:"total_locked"`
	PendingSwaps  int              `json:"pending_swaps"`
}

// Snapshot copies the full matrix state.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{TakenAt: r.now()}
	for _, e := range Engines {
		row := r.rows[e.Letter]
		row.mu.Lock()
		r.purgeExpiredLocked(row)
		es := EngineSnapshot{
			Letter:       e.Letter,
			Language:     e.Language,
			Capacity:     row.capacity,
			Slots:        make(map[string]SlotRecord, len(row.slots)),
			Reservations: make(map[string]Reservation, len(row.reservations)),
		}
		for idx, rec := range row.slots {
			addr := Address{Engine: e.Letter, Index: idx}
			es.Slots[addr.String()] = *rec
			if rec.NodeID != "" {
				es.Occupied++
			}
			if rec.Locked {
				snap.TotalLocked++
			}
			if rec.NodeID != "" && rec.SwapState == SwapPending {
				snap.PendingSwaps++
			}
		}
		for idx, res := range row.reservations {
			addr := Address{Engine: e.Letter, Index: idx}
			es.Reservations[addr.String()] = *res
		}
		row.mu.Unlock()
		snap.TotalCapacity += es.Capacity
		snap.TotalOccupied += es.Occupied
		snap.TotalReserved += len(es.Reservations)
		snap.Engines = append(snap.Engines, es)
	}
	return snap
}
