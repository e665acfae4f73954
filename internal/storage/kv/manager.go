package kv

import (
	"fmt"
	"sync"
)

// Engine names a KV backend.
type Engine string

const (
	EnginePebble  Engine = "pebble"
	EngineBBolt   Engine = "bbolt"
	EngineLevelDB Engine = "leveldb"
)

// ManagerFactory creates a Manager rooted at a directory.
type ManagerFactory func(dir string) Manager

var (
	engineMu        sync.RWMutex
	engineFactories = make(map[Engine]ManagerFactory)
)

// RegisterEngine registers an engine factory. Engine packages call it from
// init; callers select an engine with a blank import plus Open.
func RegisterEngine(e Engine, factory ManagerFactory) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engineFactories[e] = factory
}

// Open returns a Manager for the configured engine rooted at dir.
func Open(engine Engine, dir string) (Manager, error) {
	engineMu.RLock()
	factory, ok := engineFactories[engine]
	engineMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	return factory(dir), nil
}

// Engines lists the registered backends, for config validation messages.
func Engines() []Engine {
	engineMu.RLock()
	defer engineMu.RUnlock()

	out := make([]Engine, 0, len(engineFactories))
	for e := range engineFactories {
		out = append(out, e)
	}
	return out
}

// IsEngineAvailable reports whether name has a registered factory.
func IsEngineAvailable(e Engine) bool {
	engineMu.RLock()
	defer engineMu.RUnlock()
	_, ok := engineFactories[e]
	return ok
}
