package queue

import (
	"errors"
	"strings"
	"time"

	logx "postwell/pkg/logx"
)

// Config configures the queue store.
//
// Driver values:
//   - "sqlite": durable SQLite database file (default)
//   - "memory": in-process store, lost on restart (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown queue store driver: " + cfg.Driver)
	}
}
