package storage

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewMemoryStoreWithOptions(MemoryStoreOptions{StateFile: path})
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewSQLStore(SQLStoreOptions{Dialect: "postgres", DSN: dsn})
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		if parsed.RawQuery != "" {
			path += "?" + parsed.RawQuery
		}
		return NewSQLStore(SQLStoreOptions{Dialect: "sqlite", DSN: path})
	case "mysql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// DSNPath extracts the filesystem path from file-like DSNs such as file:///var/lib/x.json.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
