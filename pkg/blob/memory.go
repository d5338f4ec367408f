package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data    []byte
	modTime int64
}

// NewMemory creates an empty in-memory blob store
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Get(ctx context.Context, key string) (*Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotExist
	}
	return &Object{
		ReadCloser: io.NopCloser(bytes.NewReader(obj.data)),
		Size:       int64(len(obj.data)),
		ModTime:    obj.modTime,
	}, nil
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, modTime: time.Now().Unix()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

// Bytes returns a copy of the stored object, or nil if absent. Test helper.
func (m *Memory) Bytes(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out
}
