package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/threatpilot/remediator/internal/cloudflare"
)

// MockGateway implements cloudflare.Gateway for testing.
// All methods are safe for concurrent use.
type MockGateway struct {
	mu sync.Mutex

	rules []cloudflare.AccessRule

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// Arguments of every DeleteRule call, in order
	deleted []string

	// Auto-increment ID counter for created rules
	nextID int
}

// NewMockGateway returns a zero-state MockGateway ready for use.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetRules presets the rules returned by ListRules.
func (m *MockGateway) SetRules(rules []cloudflare.AccessRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]cloudflare.AccessRule{}, rules...)
}

// Rules returns a copy of the current rule set.
func (m *MockGateway) Rules() []cloudflare.AccessRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cloudflare.AccessRule{}, m.rules...)
}

// SetError injects an error to be returned on the next call to the named method.
// The error is consumed (returned once) and then cleared.
func (m *MockGateway) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockGateway) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Deleted returns the rule IDs passed to DeleteRule, in call order.
func (m *MockGateway) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.deleted...)
}

// popError returns and clears any pending error for the given method.
func (m *MockGateway) popError(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockGateway) newID() string {
	m.nextID++
	return fmt.Sprintf("mock-rule-%d", m.nextID)
}

// --- Gateway interface implementation ---------------------------------------

func (m *MockGateway) CreateBlockRule(_ context.Context, target, value, notes string) (cloudflare.AccessRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CreateBlockRule"); err != nil {
		return cloudflare.AccessRule{}, err
	}
	r := cloudflare.AccessRule{
		ID:     m.newID(),
		Mode:   cloudflare.ModeBlock,
		Target: target,
		Value:  value,
		Notes:  notes,
	}
	m.rules = append(m.rules, r)
	return r, nil
}

func (m *MockGateway) ListRules(_ context.Context) ([]cloudflare.AccessRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListRules"); err != nil {
		return nil, err
	}
	return append([]cloudflare.AccessRule{}, m.rules...), nil
}

// DeleteRule removes the rule with id. An unknown id yields *cloudflare.ErrNotFound.
func (m *MockGateway) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	if err := m.popError("DeleteRule"); err != nil {
		return err
	}
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return &cloudflare.ErrNotFound{ID: id}
}

func (m *MockGateway) Verify(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Verify")
}
