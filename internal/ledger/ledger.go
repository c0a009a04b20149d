// Package ledger persists node sources, their version history and execution
// records. The registry holds only metadata; the ledger is where source code
// actually lives.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrVersionNotFound = errors.New("version not found")
)

// NodeSource is one stored version of a node's code.
type NodeSource struct {
	NodeID     string    `json:"node_id"`
	Label      string    `json:"label,omitempty"`
	Language   string    `json:"language"`
	Version    int       `json:"version"`
	Source     string    `json:"source"`
	SourceHash string    `json:"source_hash"`
	Author     string    `json:"author,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// VersionInfo summarizes one version without carrying the full source.
type VersionInfo struct {
	Version      int       `json:"version"`
	SourceHash   string    `json:"source_hash"`
	Author       string    `json:"author,omitempty"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExecutionRecord is one execution outcome tied to a node version.
type ExecutionRecord struct {
	NodeID     string        `json:"node_id"`
	Version    int           `json:"version"`
	Address    string        `json:"address"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Ledger is the durable store behind the slot matrix.
type Ledger interface {
	// GetNodeSource returns the latest version of a node.
	GetNodeSource(ctx context.Context, nodeID string) (NodeSource, error)
	// GetNodeVersion returns one specific version.
	GetNodeVersion(ctx context.Context, nodeID string, version int) (NodeSource, error)
	// AppendVersion stores a new version and returns it. The node row is
	// created on first append; the version number is assigned monotonically.
	AppendVersion(ctx context.Context, nodeID, label, language, source, author string) (NodeSource, error)
	// RecordExecution appends an execution outcome.
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	// ListVersions returns version summaries, newest first.
	ListVersions(ctx context.Context, nodeID string) ([]VersionInfo, error)
	// ListExecutions returns recent executions for a node, newest first.
	ListExecutions(ctx context.Context, nodeID string, limit int) ([]ExecutionRecord, error)
	Close() error
}
