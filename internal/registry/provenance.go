package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotgrid/internal/logging"
)

// DefaultReservationTTL bounds how long a reservation may sit uncommitted.
const DefaultReservationTTL = 4000 * time.Second

// DefaultAgentQuota caps concurrent reservations per api-agent identity.
const DefaultAgentQuota = 4

// ProvenanceTracker mints reservation tokens, enforces per-agent quotas and
// expires stale tokens lazily on access. Human and canvas origins are not
// quota-limited; automated agents are.
type ProvenanceTracker struct {
	defaultTTL time.Duration
	agentQuota int
	now        func() time.Time
	logger     logging.Logger

	// tokens span engines, so the tracker keeps its own lock rather than
	// relying on the registry's per-engine locks.
	mu     sync.Mutex
	active map[string]*tokenRecord
}

type tokenRecord struct {
	agentID   string
	origin    Origin
	expiresAt time.Time
	suspended bool
}

// NewProvenanceTracker builds a tracker with the given TTL and quota;
// non-positive arguments fall back to the defaults.
func NewProvenanceTracker(ttl time.Duration, agentQuota int, logger logging.Logger) *ProvenanceTracker {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if agentQuota <= 0 {
		agentQuota = DefaultAgentQuota
	}
	return &ProvenanceTracker{
		defaultTTL: ttl,
		agentQuota: agentQuota,
		now:        time.Now,
		logger:     logging.OrNop(logger),
		active:     make(map[string]*tokenRecord),
	}
}

// Issue mints a token for the given provenance, enforcing the agent quota.
func (t *ProvenanceTracker) Issue(prov Provenance, ttl time.Duration) (string, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.expire(now)
	if prov.Origin == OriginAPIAgent {
		count := 0
		for _, rec := range t.active {
			if rec.origin == OriginAPIAgent && rec.agentID == prov.AgentID {
				count++
			}
		}
		if count >= t.agentQuota {
			return "", time.Time{}, wrapf(ErrQuotaExceeded, "agent %s holds %d reservations", prov.AgentID, count)
		}
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	token := "m-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	expires := now.Add(ttl)
	t.active[token] = &tokenRecord{agentID: prov.AgentID, origin: prov.Origin, expiresAt: expires}
	t.logger.Debug("issued token %s (origin=%s ttl=%s)", token, prov.Origin, ttl)
	return token, expires, nil
}

// SetSuspended pauses or resumes expiry for a token. A suspended token keeps
// counting against its agent's quota; once resumed, a token already past its
// deadline expires on the next access, mirroring how locked slots hold their
// row reservation.
func (t *ProvenanceTracker) SetSuspended(token string, suspended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.active[token]; ok {
		rec.suspended = suspended
	}
}

// Release drops a token, whether consumed by commit or abandoned by eviction.
func (t *ProvenanceTracker) Release(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, token)
}

// ActiveCount reports live (unexpired) tokens.
func (t *ProvenanceTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expire(t.now())
	return len(t.active)
}

func (t *ProvenanceTracker) expire(now time.Time) {
	for token, rec := range t.active {
		if rec.suspended {
			continue
		}
		if now.After(rec.expiresAt) {
			t.logger.Debug("token %s expired", token)
			delete(t.active, token)
		}
	}
}
