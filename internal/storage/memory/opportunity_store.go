package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// OpportunityStore keeps saved opportunities in memory with the same dedup
// rule as the Postgres store.
type OpportunityStore struct {
	mu    sync.RWMutex
	saved []crawler.Opportunity
	seen  map[string]struct{}
}

// NewOpportunityStore constructs an OpportunityStore.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{seen: make(map[string]struct{})}
}

// SaveBatch stores relevant opportunities, skipping known non-empty ids.
func (s *OpportunityStore) SaveBatch(_ context.Context, batch crawler.SaveBatch) (crawler.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result crawler.SaveResult
	for _, opp := range batch.Opportunities {
		if !opp.IsRelevant {
			continue
		}
		if opp.ExternalID != "" {
			if _, dup := s.seen[opp.ExternalID]; dup {
				result.Duplicates++
				continue
			}
			s.seen[opp.ExternalID] = struct{}{}
		}
		s.saved = append(s.saved, opp)
		result.Saved++
	}
	return result, nil
}

// List returns a copy of every saved opportunity in insertion order.
func (s *OpportunityStore) List() []crawler.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Opportunity, len(s.saved))
	copy(out, s.saved)
	return out
}
