package importer

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildJobStoreFromDSN picks a job store by scheme: memory://, file:///path.json,
// sqlite:///path.db or postgres://. An empty DSN keeps jobs in memory.
func BuildJobStoreFromDSN(dsn string) (JobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryJobStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryJobStore(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileJobStore(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteJobStore(path)
	case "postgres", "postgresql":
		return NewPostgresJobStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported job store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path in %q", ErrInvalidInput, raw)
	}
	return path, nil
}
