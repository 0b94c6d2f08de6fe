package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/weaver/Toji/internal/jsonldb"
	"github.com/weaver/Toji/internal/kv"
)

// Supported store backends.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendMemory, BackendJSONL, BackendBadger, BackendBolt}

// OpenStore opens the named backend with its files under dir.
func OpenStore(backend, dir string, log *slog.Logger) (kv.Store, error) {
	if backend == BackendMemory {
		return store(jsonldb.NewTable(""))
	}
	if dir == "" {
		return nil, fmt.Errorf("backend %q requires a data directory", backend)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	switch backend {
	case BackendJSONL:
		return store(jsonldb.NewTable(filepath.Join(dir, "toji.jsonl")))
	case BackendBadger:
		return store(kv.OpenBadger(filepath.Join(dir, "badger"), log))
	case BackendBolt:
		return store(kv.OpenBolt(filepath.Join(dir, "toji.db")))
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// store drops the typed nil a failed open returns.
func store[S kv.Store](s S, err error) (kv.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
