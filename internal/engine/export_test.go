package engine

import (
	"context"
	"sync"

	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Recorder keeps every action it receives.
type Recorder struct {
	mu      sync.Mutex
	actions []Action
}

func (r *Recorder) Act(_ context.Context, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

// Count returns how many recorded actions are of kind.
func (r *Recorder) Count(kind store.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
