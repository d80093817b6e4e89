package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore implements storage.Store with an in-memory map for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu   sync.Mutex
	data map[string][]byte

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Error injection scoped to a key: method+"\x00"+key -> next error
	keyErrors map[string]error

	// Call counts per method
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string][]byte),
		errors:    make(map[string]error),
		keyErrors: make(map[string]error),
		calls:     make(map[string]int),
		Size:      1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetKeyError injects an error returned by the next call to method for key only.
func (m *MockStore) SetKeyError(method, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyErrors[method+"\x00"+key] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Has reports whether key is stored, without counting as a call.
func (m *MockStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *MockStore) popError(method, key string) error {
	m.calls[method]++
	if err, ok := m.keyErrors[method+"\x00"+key]; ok {
		delete(m.keyErrors, method+"\x00"+key)
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Put", key); err != nil {
		return err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Get", key); err != nil {
		return nil, err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Delete", key); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

func (m *MockStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("List", prefix); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes", ""); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
