// Package stats persists admission outcomes for offline inspection.
//
// Stores are best effort: a failing store is logged by the Observer and
// never affects the guarded call.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/rpcguard/internal/model"
)

// Event is one admission decision.
type Event struct {
	Resource string
	Scope    model.Scope
	Mode     model.CallMode
	Admitted bool
	Cause    model.Cause // empty when admitted
	At       time.Time
}

// Outcome returns "admitted" or "denied".
func (e Event) Outcome() string {
	if e.Admitted {
		return "admitted"
	}
	return "denied"
}

// Store persists events. Implementations must be safe for concurrent use.
type Store interface {
	Record(ctx context.Context, ev Event) error
}

// Counters is a pair of admitted/denied totals.
type Counters struct {
	Admitted int64
	Denied   int64
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Settings selects and configures a store backend.
type Settings struct {
	Backend string        `yaml:"backend"`
	Addr    string        `yaml:"addr"`   // redis address
	DSN     string        `yaml:"dsn"`    // sqlite path or DSN
	Prefix  string        `yaml:"prefix"` // redis key prefix
	TTL     time.Duration `yaml:"ttl"`    // redis minute-bucket expiry

	QueueSize int `yaml:"queue_size"` // observer event buffer, 0 for default
}

// Open creates the store named by s.Backend. The returned close function
// releases the backend connection.
func Open(s Settings) (Store, func() error, error) {
	switch s.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), func() error { return nil }, nil
	case BackendRedis:
		if s.Addr == "" {
			return nil, nil, fmt.Errorf("stats: redis backend requires addr")
		}
		var opts []RedisOption
		if s.Prefix != "" {
			opts = append(opts, WithRedisPrefix(s.Prefix))
		}
		if s.TTL > 0 {
			opts = append(opts, WithRedisTTL(s.TTL))
		}
		st := NewRedisStore(newRedisClient(s.Addr), opts...)
		return st, st.Close, nil
	case BackendSQLite:
		if s.DSN == "" {
			return nil, nil, fmt.Errorf("stats: sqlite backend requires dsn")
		}
		st, err := OpenSQLStore(s.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("stats: unknown backend %q", s.Backend)
	}
}
