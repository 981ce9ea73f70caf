// Package sink is the persistence boundary of the dispatcher. Store is
// all-or-nothing per reading and must be safe to call from concurrent
// requests.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/temoto/sensorlink/internal/types"
)

type Storer interface {
	Store(ctx context.Context, r types.Reading) error
}

// MemSink keeps readings in memory. Used in tests and when the server runs
// without a database configured.
type MemSink struct {
	mu       sync.Mutex
	readings []types.Reading
}

func (ms *MemSink) Store(ctx context.Context, r types.Reading) error {
	r.ObservedAt = time.Now()
	ms.mu.Lock()
	ms.readings = append(ms.readings, r)
	ms.mu.Unlock()
	return nil
}

func (ms *MemSink) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.readings)
}

func (ms *MemSink) Readings() []types.Reading {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]types.Reading(nil), ms.readings...)
}
