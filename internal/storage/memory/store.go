package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// Store provides in-memory strategy, item, and history persistence for
// development and tests.
type Store struct {
	mu         sync.RWMutex
	strategies map[string]map[string]crawler.Strategy
	items      map[string]crawler.QueueItem
	history    map[string][]crawler.PriceRecord
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		strategies: make(map[string]map[string]crawler.Strategy),
		items:      make(map[string]crawler.QueueItem),
		history:    make(map[string][]crawler.PriceRecord),
	}
}

// GetStrategies returns copies of the strategies stored for domain, ordered by ID.
func (s *Store) GetStrategies(_ context.Context, domain string) ([]crawler.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.strategies[domain]
	out := make([]crawler.Strategy, 0, len(byID))
	for _, st := range byID {
		out = append(out, cloneStrategy(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveStrategy upserts a strategy keyed by domain and ID.
func (s *Store) SaveStrategy(_ context.Context, strategy crawler.Strategy) error {
	if strategy.ID == "" {
		return errors.New("strategy id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.strategies[strategy.Domain]
	if !ok {
		byID = make(map[string]crawler.Strategy)
		s.strategies[strategy.Domain] = byID
	}
	byID[strategy.ID] = cloneStrategy(strategy)
	return nil
}

// SaveItem records the latest state of a queue item.
func (s *Store) SaveItem(_ context.Context, item crawler.QueueItem) error {
	if item.URL == "" {
		return errors.New("item url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.URL] = item.Clone()
	return nil
}

// Item returns the last saved state for url.
func (s *Store) Item(url string) (crawler.QueueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[url]
	return item.Clone(), ok
}

// RecordResult appends an observation to the URL's history.
func (s *Store) RecordResult(_ context.Context, record crawler.PriceRecord) error {
	if record.URL == "" {
		return errors.New("record url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[record.URL] = append(s.history[record.URL], record)
	return nil
}

// GetHistory returns up to limit observations for url, newest first.
func (s *Store) GetHistory(_ context.Context, url string, limit int) ([]crawler.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.history[url]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]crawler.PriceRecord, 0, limit)
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func cloneStrategy(st crawler.Strategy) crawler.Strategy {
	cp := st
	if st.Children != nil {
		cp.Children = make([]crawler.Strategy, len(st.Children))
		for i, child := range st.Children {
			cp.Children[i] = cloneStrategy(child)
		}
	}
	return cp
}
