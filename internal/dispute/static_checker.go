package dispute

import (
	"context"
	"sync"

	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"gorm.io/gorm"
)

// StaticChecker keeps disputes in memory. It backs local development and
// tests where no ticketing database exists.
type StaticChecker struct {
	mu       sync.RWMutex
	disputes []staticDispute
	err      error
}

type staticDispute struct {
	ref     string
	dispute domain.ActiveDispute
}

func NewStaticChecker() *StaticChecker {
	return &StaticChecker{}
}

// Open registers a dispute against any reference an order may carry
// (conversation, case or bid id, or the order id string).
func (c *StaticChecker) Open(ref string, d domain.ActiveDispute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Status == "" {
		d.Status = "open"
	}
	c.disputes = append(c.disputes, staticDispute{ref: ref, dispute: d})
}

func (c *StaticChecker) Resolve(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.disputes[:0]
	for _, d := range c.disputes {
		if d.dispute.ID != id {
			kept = append(kept, d)
		}
	}
	c.disputes = kept
}

// FailWith makes every check return err until called again with nil.
func (c *StaticChecker) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *StaticChecker) ActiveDispute(_ context.Context, _ *gorm.DB, q domain.DisputeQuery) (*domain.ActiveDispute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}

	refs := map[string]struct{}{}
	for _, r := range []string{q.ConversationID, q.CaseID, q.BidID} {
		if r != "" {
			refs[r] = struct{}{}
		}
	}
	if q.OrderID != 0 {
		refs[q.OrderID.String()] = struct{}{}
	}
	statuses := map[string]struct{}{}
	for _, s := range q.Statuses {
		statuses[s] = struct{}{}
	}

	for _, d := range c.disputes {
		if _, ok := refs[d.ref]; !ok {
			continue
		}
		if _, ok := statuses[d.dispute.Status]; !ok {
			continue
		}
		found := d.dispute
		return &found, nil
	}
	return nil, nil
}
