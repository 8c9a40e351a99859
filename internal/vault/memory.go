package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"aranet-sync/internal/snapshot"
)

// MemoryVault keeps snapshots in memory. It is safe for concurrent use and
// meant for tests and throwaway configs.
type MemoryVault struct {
	name      string
	mu        sync.RWMutex
	snapshots map[string][]byte
	versions  map[string]int64
}

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		snapshots: make(map[string][]byte),
		versions:  make(map[string]int64),
	}
}

func (m *MemoryVault) Put(ctx context.Context, hostID string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[hostID] = data
	m.versions[hostID] = version
	return nil
}

func (m *MemoryVault) Get(ctx context.Context, hostID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.snapshots[hostID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for host %s", snapshot.ErrNotFound, hostID)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (m *MemoryVault) Version(ctx context.Context, hostID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[hostID], nil
}

func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ snapshot.Vault = (*MemoryVault)(nil)
