package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Address identifies one slot as an engine letter plus a 1-based index,
// rendered as "a3". The dashed form "a-3" is accepted on parse for
// compatibility with older clients.
type Address struct {
	Engine string
	Index  int
}

func (a Address) String() string {
	return fmt.Sprintf("%s%d", a.Engine, a.Index)
}

// ParseAddress parses "a3" or "a-3" and validates the index against the
// engine's capacity.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return Address{}, wrapf(ErrInvalidAddress, "%q", s)
	}
	letter := s[:1]
	if !unicode.IsLetter(rune(s[0])) {
		return Address{}, wrapf(ErrInvalidAddress, "%q", s)
	}
	rest := strings.TrimPrefix(s[1:], "-")
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return Address{}, wrapf(ErrInvalidAddress, "%q", s)
	}
	eng, ok := EngineByLetter(letter)
	if !ok {
		return Address{}, wrapf(ErrUnknownEngine, "%q", letter)
	}
	if idx < 1 || idx > eng.Capacity {
		return Address{}, wrapf(ErrInvalidAddress, "%s: index out of range 1..%d", s, eng.Capacity)
	}
	return Address{Engine: letter, Index: idx}, nil
}

// SwapState tracks whether a committed slot's source has been validated by an
// execution since its last commit.
type SwapState int

const (
	// SwapCommitted means the slot's current source has executed at least
	// once since it was committed (or was a fresh commit into an empty slot).
	SwapCommitted SwapState = iota
	// SwapPending means the slot was hot-swapped: new source replaced a live
	// occupant and no execution of the new source has succeeded yet.
	SwapPending
)

func (s SwapState) String() string {
	if s == SwapPending {
		return "pending_swap"
	}
	return "committed"
}

func (s SwapState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Origin classifies who asked for a slot.
type Origin string

const (
	OriginHuman    Origin = "human"
	OriginAPIAgent Origin = "api-agent"
	OriginCanvas   Origin = "canvas"
)

// Provenance records who reserved or committed a slot and under which token.
type Provenance struct {
	Origin    Origin `json:"origin"`
	Submitter string `json:"submitter,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Reservation is a time-boxed hold on one address.
type Reservation struct {
	Address    Address    `json:"-"`
	Token      string     `json:"token"`
	Provenance Provenance `json:"provenance"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Remaining reports the TTL left at the given instant, floored at zero.
func (r Reservation) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SlotRecord is the committed state of one slot plus its execution stats.
// Output fields are previews, truncated at commit/record time.
type SlotRecord struct {
	Address     Address    `json:"-"`
	NodeID      string     `json:"node_id"`
	NodeLabel   string     `json:"node_label,omitempty"`
	Version     int        `json:"version"`
	Language    string     `json:"language"`
	SwapState   SwapState  `json:"swap_state"`
	Provenance  Provenance `json:"provenance"`
	CommittedAt time.Time  `json:"committed_at"`

	Locked     bool      `json:"locked"`
	LockedBy   string    `json:"locked_by,omitempty"`
	LockReason string    `json:"lock_reason,omitempty"`
	LockedAt   time.Time `json:"locked_at,omitempty"`

	ExecCount      int           `json:"exec_count"`
	LastSuccess    bool          `json:"last_success"`
	LastOutput     string        `json:"last_output,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastDuration   time.Duration `json:"-"`
	LastDurationMS int64         `json:"last_duration_ms,omitempty"`
	LastExecutedAt time.Time     `json:"last_executed_at,omitempty"`
}

const outputPreviewLimit = 500

// truncatePreview bounds stored output previews so snapshots stay cheap.
func truncatePreview(s string) string {
	if len(s) <= outputPreviewLimit {
		return s
	}
	return s[:outputPreviewLimit] + "...(truncated)"
}
