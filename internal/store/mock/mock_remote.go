package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/store/service"
)

// Remote simulates a feature service that receives pushed edits
type Remote struct {
	mu      sync.Mutex
	layers  map[string]map[session.FeatureID]session.Feature
	applied map[string]bool
	pushes  int
	fail    int
	err     error
	block   chan struct{}
}

// NewRemote creates an empty remote
func NewRemote() *Remote {
	return &Remote{
		layers:  make(map[string]map[session.FeatureID]session.Feature),
		applied: make(map[string]bool),
	}
}

// FailPushes makes the next n pushes fail with err; n < 0 fails until reset with n = 0
func (r *Remote) FailPushes(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = n
	r.err = err
}

// Block holds every push until the returned function is called
func (r *Remote) Block() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.block = ch
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.block = nil
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Pushes returns the number of Push calls, failed ones included
func (r *Remote) Pushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

// Push applies edits, skipping any edit id already applied
func (r *Remote) Push(ctx context.Context, layer string, edits []service.Edit) error {
	r.mu.Lock()
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes++
	if r.fail != 0 {
		if r.fail > 0 {
			r.fail--
		}
		return r.err
	}
	features, ok := r.layers[layer]
	if !ok {
		features = make(map[session.FeatureID]session.Feature)
		r.layers[layer] = features
	}
	for _, e := range edits {
		if r.applied[e.ID.String()] {
			continue
		}
		r.applied[e.ID.String()] = true
		switch e.Op {
		case service.EditAdd, service.EditUpdate:
			features[e.FeatureID] = e.Feature.Clone()
		case service.EditDelete:
			delete(features, e.FeatureID)
		}
	}
	return nil
}

// Features returns the remote copy of a layer ordered by id
func (r *Remote) Features(ctx context.Context, layer string) ([]session.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Feature, 0, len(r.layers[layer]))
	for _, f := range r.layers[layer] {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
