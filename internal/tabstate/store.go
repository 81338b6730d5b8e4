// Package tabstate owns the per-tab monetization state consumed by the
// session router and the popup projection.
package tabstate

import (
	"sync"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/types"
)

func defaults() types.TabState {
	return types.TabState{
		PlayState:   types.PlayPlaying,
		StickyState: types.StickyNormal,
	}
}

// Store holds one TabState record per tab. Records are created lazily on
// first access and always cleared as a whole, never field by field.
type Store struct {
	mu   sync.Mutex
	tabs map[int]*types.TabState
	now  func() int64
}

func NewStore() *Store {
	return &Store{
		tabs: make(map[int]*types.TabState),
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Get returns a copy of the tab's state, creating the record if needed.
func (s *Store) Get(tabID int) types.TabState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(tabID)
}

func (s *Store) get(tabID int) *types.TabState {
	st, ok := s.tabs[tabID]
	if !ok {
		d := defaults()
		st = &d
		s.tabs[tabID] = st
	}
	return st
}

// Set applies a mutation to the tab's state under the store lock.
func (s *Store) Set(tabID int, mutate func(st *types.TabState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.get(tabID))
}

// AddTotal increases the tab's running total and marks it monetized.
// The total is monotone while a stream is active; clearing is the only
// way down.
func (s *Store) AddTotal(tabID int, amount float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(tabID)
	st.Monetized = true
	st.Total += amount
	return st.Total
}

// LogLastCommand records the most recent start/pause/resume/stop issued
// for a tab, used to detect and ignore stale async completions.
func (s *Store) LogLastCommand(tabID int, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tabID).LastMonetization = types.MonetizationCommand{Command: command, TimeMS: s.now()}
}

// Clear resets a tab to defaults. Clearing is total: the whole record is
// replaced, never partially torn down.
func (s *Store) Clear(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := defaults()
	s.tabs[tabID] = &d
}

// Remove drops a tab's record entirely (tab closed).
func (s *Store) Remove(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}

// TabIDs returns the ids of all tabs with a record.
func (s *Store) TabIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.tabs))
	for id := range s.tabs {
		ids = append(ids, id)
	}
	return ids
}
