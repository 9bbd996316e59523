package gatesync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type EventStoreFactory func(dsn string) (EventStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]EventStoreFactory
}{
	factories: map[string]EventStoreFactory{},
}

// RegisterEventStoreFactory installs a custom persistence medium under a DSN
// scheme. A registered factory takes precedence over the built-in schemes.
func RegisterEventStoreFactory(scheme string, factory EventStoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupEventStoreFactory(scheme string) (EventStoreFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildEventStoreFromDSN selects the persistence medium for queued events.
// Supported schemes: file:// (and bare paths), memory://, postgres://.
func BuildEventStoreFromDSN(dsn string) (EventStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupEventStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEventStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryEventStore(), nil
	case "postgres", "postgresql":
		return NewPostgresEventStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported event store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
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
