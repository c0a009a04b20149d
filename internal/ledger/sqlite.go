package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sergi/go-diff/diffmatchpatch"

	"slotgrid/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS node_versions (
	node_id       TEXT NOT NULL REFERENCES nodes(id),
	version       INTEGER NOT NULL,
	source        TEXT NOT NULL,
	source_hash   TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	lines_added   INTEGER NOT NULL DEFAULT 0,
	lines_removed INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (node_id, version)
);
CREATE TABLE IF NOT EXISTS node_executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id     TEXT NOT NULL,
	version     INTEGER NOT NULL,
	address     TEXT NOT NULL,
	success     INTEGER NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	executed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_node ON node_executions(node_id, executed_at DESC);
`

// SQLiteLedger stores nodes in a single sqlite file. One writer connection
// with WAL keeps concurrent readers cheap without writer contention.
type SQLiteLedger struct {
	db     *sql.DB
	logger logging.Logger
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string, logger logging.Logger) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, logger: logging.OrNop(logger)}, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// lineDiffStats counts added and removed lines between two sources using a
// line-granularity diff.
func lineDiffStats(previous, next string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(previous, next)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func (l *SQLiteLedger) AppendVersion(ctx context.Context, nodeID, label, language, source, author string) (NodeSource, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return NodeSource{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var prevVersion int
	var prevSource string
	err = tx.QueryRowContext(ctx,
		`SELECT version, source FROM node_versions WHERE node_id = ? ORDER BY version DESC LIMIT 1`,
		nodeID).Scan(&prevVersion, &prevSource)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO nodes (id, label, language, created_at) VALUES (?, ?, ?, ?)`,
			nodeID, label, language, now); err != nil {
			return NodeSource{}, fmt.Errorf("insert node: %w", err)
		}
	case err != nil:
		return NodeSource{}, fmt.Errorf("read latest version: %w", err)
	default:
		if label != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET label = ? WHERE id = ?`, label, nodeID); err != nil {
				return NodeSource{}, fmt.Errorf("update label: %w", err)
			}
		}
	}

	ns := NodeSource{
		NodeID:     nodeID,
		Label:      label,
		Language:   language,
		Version:    prevVersion + 1,
		Source:     source,
		SourceHash: hashSource(source),
		Author:     author,
		CreatedAt:  now,
	}
	added, removed := lineDiffStats(prevSource, source)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO node_versions (node_id, version, source, source_hash, author, lines_added, lines_removed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.NodeID, ns.Version, ns.Source, ns.SourceHash, ns.Author, added, removed, now); err != nil {
		return NodeSource{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return NodeSource{}, fmt.Errorf("commit append: %w", err)
	}
	l.logger.Debug("appended %s v%d (+%d/-%d lines)", nodeID, ns.Version, added, removed)
	return ns, nil
}

func (l *SQLiteLedger) GetNodeSource(ctx context.Context, nodeID string) (NodeSource, error) {
	return l.getVersion(ctx, nodeID, -1)
}

func (l *SQLiteLedger) GetNodeVersion(ctx context.Context, nodeID string, version int) (NodeSource, error) {
	if version < 1 {
		return NodeSource{}, fmt.Errorf("version %d: %w", version, ErrVersionNotFound)
	}
	return l.getVersion(ctx, nodeID, version)
}

func (l *SQLiteLedger) getVersion(ctx context.Context, nodeID string, version int) (NodeSource, error) {
	q := `SELECT v.node_id, n.label, n.language, v.version, v.source, v.source_hash, v.author, v.created_at
	      FROM node_versions v JOIN nodes n ON n.id = v.node_id
	      WHERE v.node_id = ?`
	args := []interface{}{nodeID}
	if version > 0 {
		q += ` AND v.version = ?`
		args = append(args, version)
	} else {
		q += ` ORDER BY v.version DESC LIMIT 1`
	}
	var ns NodeSource
	err := l.db.QueryRowContext(ctx, q, args...).Scan(
		&ns.NodeID, &ns.Label, &ns.Language, &ns.Version, &ns.Source, &ns.SourceHash, &ns.Author, &ns.CreatedAt)
	if err == sql.ErrNoRows {
		if version > 0 {
			var exists int
			if l.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, nodeID).Scan(&exists) == nil {
				return NodeSource{}, fmt.Errorf("%s v%d: %w", nodeID, version, ErrVersionNotFound)
			}
		}
		return NodeSource{}, fmt.Errorf("%s: %w", nodeID, ErrNodeNotFound)
	}
	if err != nil {
		return NodeSource{}, fmt.Errorf("read node source: %w", err)
	}
	return ns, nil
}

func (l *SQLiteLedger) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	if rec.DurationMS == 0 && rec.Duration > 0 {
		rec.DurationMS = rec.Duration.Milliseconds()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO node_executions (node_id, version, address, success, output, error, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.NodeID, rec.Version, rec.Address, rec.Success, rec.Output, rec.Error, rec.DurationMS, rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) ListVersions(ctx context.Context, nodeID string) ([]VersionInfo, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT version, source_hash, author, lines_added, lines_removed, created_at
		 FROM node_versions WHERE node_id = ? ORDER BY version DESC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.Version, &v.SourceHash, &v.Author, &v.LinesAdded, &v.LinesRemoved, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", nodeID, ErrNodeNotFound)
	}
	return out, nil
}

func (l *SQLiteLedger) ListExecutions(ctx context.Context, nodeID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT node_id, version, address, success, output, error, duration_ms, executed_at
		 FROM node_executions WHERE node_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?`,
		nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.NodeID, &rec.Version, &rec.Address, &rec.Success,
			&rec.Output, &rec.Error, &rec.DurationMS, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
