package registry

import (
	"context"
	"sync"

	"github.com/deskrelay/deskrelay/internal/session"
)

// MemoryDirectory is an in-process Directory for single-process deployments
// and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[session.Code]Record
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[session.Code]Record)}
}

func (d *MemoryDirectory) Exists(_ context.Context, code session.Code) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.records[code]
	return ok, nil
}

func (d *MemoryDirectory) Create(_ context.Context, rec Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[rec.Code]; ok {
		return false, nil
	}
	d.records[rec.Code] = rec
	return true, nil
}

func (d *MemoryDirectory) Put(_ context.Context, rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.Code] = rec
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, code session.Code) (Record, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[code]
	return rec, ok, nil
}

func (d *MemoryDirectory) Delete(_ context.Context, code session.Code) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, code)
	return nil
}

// Len returns the number of reserved codes.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
