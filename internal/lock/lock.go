package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"media-snipper/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL        = time.Hour
	DefaultStaleAfter = 60 * time.Second
	DefaultBeatEvery  = time.Second
)

var (
	// ErrAlreadyActive is returned when a live job already holds the project lock.
	ErrAlreadyActive = errors.New("acquisition already in progress")

	// ErrLeaseLost is returned when a lease no longer owns the active flag.
	ErrLeaseLost = errors.New("lease lost")
)

// ActiveKey is the Redis key of the active flag for a project.
func ActiveKey(projectID string) string { return "download:active:" + projectID }

// HeartbeatKey is the Redis key of the heartbeat timestamp for a project.
func HeartbeatKey(projectID string) string { return "download:heartbeat:" + projectID }

// acquireScript sets the active flag and heartbeat when the flag is free, or
// replaces them when the current holder's heartbeat is missing or stale.
// Returns 1 on a fresh acquire, 2 on a reclaim, 0 when the lock is live.
var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[3]) then
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	return 1
end
local hb = tonumber(redis.call('GET', KEYS[2]) or '')
if (not hb) or (tonumber(ARGV[2]) - hb > tonumber(ARGV[4])) then
	redis.call('DEL', KEYS[1], KEYS[2])
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	return 2
end
return 0
`)

var heartbeatScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1], KEYS[2])
	return 1
end
return 0
`)

// Lease is proof of holding the acquisition lock for one project.
// Token fences writes made on behalf of the lease.
type Lease struct {
	ProjectID string
	Token     string
}

// Options tunes lock timing. Zero values take the defaults.
type Options struct {
	TTL        time.Duration
	StaleAfter time.Duration
}

// Manager provides per-project mutual exclusion with liveness detection over Redis.
type Manager struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewManager returns a Manager using rdb. Metrics may be nil.
func NewManager(rdb redis.UniversalClient, opts Options, log *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Manager{
		rdb:        rdb,
		ttl:        opts.TTL,
		staleAfter: opts.StaleAfter,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// StaleAfter returns the heartbeat age past which a lock is considered abandoned.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

func (m *Manager) ttlSeconds() int64 {
	s := int64(m.ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// TryAcquire takes the lock for projectID. A lock whose heartbeat is missing
// or older than the staleness threshold is cleared and taken over.
func (m *Manager) TryAcquire(ctx context.Context, projectID string) (*Lease, error) {
	lease := &Lease{ProjectID: projectID, Token: uuid.NewString()}

	res, err := acquireScript.Run(ctx, m.rdb,
		[]string{ActiveKey(projectID), HeartbeatKey(projectID)},
		lease.Token, m.now().Unix(), m.ttlSeconds(), int64(m.staleAfter/time.Second),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	switch res {
	case 1:
		m.log.Debug("lock acquired", slog.String("project_id", projectID))
		return lease, nil
	case 2:
		m.log.Warn("reclaimed stale lock", slog.String("project_id", projectID))
		if m.metrics != nil {
			m.metrics.IncStaleLocksReclaimed()
		}
		return lease, nil
	default:
		return nil, ErrAlreadyActive
	}
}

// Heartbeat refreshes the heartbeat while the lease still owns the lock.
func (m *Manager) Heartbeat(ctx context.Context, lease *Lease) error {
	res, err := heartbeatScript.Run(ctx, m.rdb,
		[]string{ActiveKey(lease.ProjectID), HeartbeatKey(lease.ProjectID)},
		lease.Token, m.now().Unix(), m.ttlSeconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes both lock keys if the lease still owns them.
// Releasing a lost lease is a no-op.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseScript.Run(ctx, m.rdb,
		[]string{ActiveKey(lease.ProjectID), HeartbeatKey(lease.ProjectID)},
		lease.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res == 0 {
		m.log.Info("release skipped, lease no longer held", slog.String("project_id", lease.ProjectID))
	}
	return nil
}

// Owns reports whether the lease token still holds the active flag.
func (m *Manager) Owns(ctx context.Context, lease *Lease) (bool, error) {
	v, err := m.rdb.Get(ctx, ActiveKey(lease.ProjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return v == lease.Token, nil
}

// Active reports whether any job holds the lock for projectID.
func (m *Manager) Active(ctx context.Context, projectID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, ActiveKey(projectID)).Result()
	if err != nil {
		return false, fmt.Errorf("check active: %w", err)
	}
	return n > 0, nil
}

// HeartbeatAge returns how long ago the heartbeat was written. ok is false
// when there is no readable heartbeat.
func (m *Manager) HeartbeatAge(ctx context.Context, projectID string) (age time.Duration, ok bool, err error) {
	v, err := m.rdb.Get(ctx, HeartbeatKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read heartbeat: %w", err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return m.now().Sub(time.Unix(ts, 0)), true, nil
}

// Stale reports whether the heartbeat for projectID is missing or too old.
func (m *Manager) Stale(ctx context.Context, projectID string) (bool, error) {
	age, ok, err := m.HeartbeatAge(ctx, projectID)
	if err != nil {
		return false, err
	}
	return !ok || age > m.staleAfter, nil
}
