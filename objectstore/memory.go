package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/showrun/showrun"
)

// Memory is an in-process ObjectStore for tests and single-shot tools.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte, mime string) (showrun.BlobRef, error) {
	sum := sha256.Sum256(data)
	addr := hex.EncodeToString(sum[:])
	m.mu.Lock()
	if _, ok := m.blobs[addr]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.blobs[addr] = cp
	}
	m.mu.Unlock()
	return showrun.BlobRef{
		URI:    Scheme + addr,
		Mime:   mime,
		Bytes:  int64(len(data)),
		SHA256: addr,
	}, nil
}

func (m *Memory) Get(ctx context.Context, ref showrun.BlobRef) ([]byte, error) {
	addr, err := Address(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("objectstore: %s: %w", addr, showrun.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ showrun.ObjectStore = (*Memory)(nil)
