package partitionstorage

import (
	"context"
	"fmt"
	"sync"

	"github.com/toga4/tablepoll"
)

// InmemoryOffsetStorage implements OffsetStorage that stores offsets in memory.
//
// Offsets are held in their persisted map form, so a round trip through it
// behaves like a round trip through durable storage.
type InmemoryOffsetStorage struct {
	mu sync.Mutex
	m  map[string]map[string]any
}

// NewInmemory creates new instance of InmemoryOffsetStorage
func NewInmemory() *InmemoryOffsetStorage {
	return &InmemoryOffsetStorage{
		m: make(map[string]map[string]any),
	}
}

// Assert that InmemoryOffsetStorage implements OffsetStorage.
var _ tablepoll.OffsetStorage = (*InmemoryOffsetStorage)(nil)

func (s *InmemoryOffsetStorage) ReadOffsets(ctx context.Context, tableKeys []string) (map[string]tablepoll.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := make(map[string]tablepoll.Watermark, len(tableKeys))
	for _, k := range tableKeys {
		m, ok := s.m[k]
		if !ok {
			continue
		}
		w, err := tablepoll.WatermarkFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", k, err)
		}
		offsets[k] = w
	}
	return offsets, nil
}

func (s *InmemoryOffsetStorage) WriteOffsets(ctx context.Context, offsets map[string]tablepoll.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range offsets {
		if w.IsZero() {
			delete(s.m, k)
			continue
		}
		s.m[k] = w.ToMap()
	}
	return nil
}
