// Package staging implements the speculate-then-promote pipeline. Submitted
// snippets execute in a scratch sandbox first; only code that passed
// speculation (or explicit review) is promoted into a registry slot and the
// ledger.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotgrid/internal/registry"
)

// Phase is a snippet's position in the pipeline.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseSpeculating Phase = "speculating"
	PhasePassed      Phase = "passed"
	PhaseRejected    Phase = "rejected"
	PhaseFailed      Phase = "failed"
	PhasePromoted    Phase = "promoted"
	PhaseRolledBack  Phase = "rolled_back"
)

// Legal phase transitions. rejected, failed and rolled_back are terminal.
var transitions = map[Phase][]Phase{
	PhaseQueued:      {PhaseSpeculating, PhasePassed, PhaseRejected},
	PhaseSpeculating: {PhasePassed, PhaseRejected, PhaseFailed},
	PhasePassed:      {PhasePromoted, PhaseFailed},
	PhasePromoted:    {PhaseRolledBack},
}

var (
	ErrSnippetNotFound = errors.New("snippet not found")
	ErrInvalidPhase    = errors.New("invalid phase transition")
)

func canTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const rejectReasonLimit = 500

func truncateReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= rejectReasonLimit {
		return s
	}
	return s[:rejectReasonLimit] + "...(truncated)"
}

// Snippet is one submission moving through the pipeline.
type Snippet struct {
	ID         string              `json:"id"`
	Language   string              `json:"language"`
	Source     string              `json:"-"`
	SourceHash string              `json:"source_hash"`
	Label      string              `json:"label,omitempty"`
	NodeID     string              `json:"node_id,omitempty"`
	Provenance registry.Provenance `json:"provenance"`
	Phase      Phase               `json:"phase"`
	AutoMode   bool                `json:"auto_promote"`

	Reason      string `json:"reason,omitempty"`
	SpecOutput  string `json:"spec_output,omitempty"`
	SpecExit    int    `json:"spec_exit_code,omitempty"`
	Address     string `json:"address,omitempty"`
	Version     int    `json:"version,omitempty"`
	SnippetFile string `json:"snippet_file,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// heldToken backs Address while the snippet waits in the pipeline; it is
	// consumed at promotion or returned to the pool on reject/fail.
	heldToken string
	// promoting serializes concurrent promote calls on the same snippet.
	promoting bool
}

func newStagingID() string {
	return "stg-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
