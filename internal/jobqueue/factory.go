package jobqueue

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/reasonstostay/letterflow/internal/storage"
)

func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := storage.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}
