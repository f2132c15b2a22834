package conflict

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Inbox receives escalated cases for human review.
type Inbox interface {
	Push(ctx context.Context, c *Case) error
	List(ctx context.Context) ([]*Case, error)
}

// MemoryInbox is an in-process Inbox, used when no store is configured.
//
// Thread-safety: safe for concurrent use.
type MemoryInbox struct {
	mu    sync.Mutex
	cases []*Case
}

// NewMemoryInbox returns an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{}
}

// Push appends c. Pushing the same case ID twice keeps the first.
func (m *MemoryInbox) Push(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cases {
		if existing.ID == c.ID {
			return nil
		}
	}
	m.cases = append(m.cases, c)
	return nil
}

// List returns cases ordered by ID, which for ULIDs is detection order.
func (m *MemoryInbox) List(context.Context) ([]*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.cases)
	slices.SortFunc(out, func(a, b *Case) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
