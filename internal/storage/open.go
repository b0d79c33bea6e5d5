package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "reviewguard/pkg/logx"
)

// Store is the persistent key-value API used by the rules cache, the queue
// catalog and the search caches, plus an append-only audit log.
type Store interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Put(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// GetJSON decodes the value at key into v. A missing key reports ok=false.
// A value that fails to decode is deleted so callers re-initialize from
// defaults; the decode error is still returned for logging.
func GetJSON(ctx context.Context, st Store, key string, v any) (bool, error) {
	b, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		_ = st.Delete(ctx, key)
		return false, err
	}
	return true, nil
}

func PutJSON(ctx context.Context, st Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return st.Put(ctx, key, b)
}
