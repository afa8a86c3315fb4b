package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// State is the edit session's position in its state machine
type State int

const (
	StateIdle State = iota
	StateAwaitingGeometry
	StateCommitting
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateAwaitingGeometry:
		return "awaiting_geometry"
	case StateCommitting:
		return "committing"
	case StateSyncing:
		return "syncing"
	}
	return "idle"
}

// Op names a session operation
type Op string

const (
	OpAdd    Op = "add"
	OpEdit   Op = "edit"
	OpRemove Op = "remove"
	OpSave   Op = "save"
	OpSelect Op = "select"
)

// Result is how an operation ended
type Result string

const (
	ResultCommitted  Result = "committed"
	ResultSelected   Result = "selected"
	ResultCanceled   Result = "canceled"
	ResultFailed     Result = "failed"
	ResultSyncFailed Result = "sync_failed"
	ResultBusy       Result = "busy"
	ResultNoop       Result = "noop"
)

// Outcome is the terminal report of every session operation
type Outcome struct {
	Op        Op
	Result    Result
	StoreID   string
	FeatureID FeatureID
	Err       error
}

// OK reports whether the local mutation or selection took effect
func (o Outcome) OK() bool {
	return o.Result == ResultCommitted || o.Result == ResultSelected || o.Result == ResultSyncFailed
}

// EditRequest is the add or edit in progress
type EditRequest struct {
	StoreID  string
	Template *Template
	Feature  *Feature
	Kind     GeometryKind
}

// Options wires an EditSession to its collaborators
type Options struct {
	Provider GeometryProvider
	Viewport Viewport
	Reporter Reporter
	// Stores are ordered bottom to top; hit testing starts at the top
	Stores  []Store
	Metrics *SessionMetrics
	// Progress, when set, receives geometry progress after it is logged
	Progress ProgressFunc
	// ReportBusy surfaces ErrSessionBusy through the Reporter
	ReportBusy bool
	// TolerancePx is the hit-test radius in screen pixels
	TolerancePx float64
}

// EditSession coordinates geometry acquisition, store mutations, remote sync and selection
type EditSession struct {
	provider    GeometryProvider
	viewport    Viewport
	reporter    Reporter
	stores      map[string]Store
	order       []string
	metrics     *SessionMetrics
	progress    ProgressFunc
	reportBusy  bool
	tolerancePx float64
	selection   *SelectionTracker

	// mu guards the fields below; the selection tracker is only written with mu held
	mu        sync.Mutex
	state     State
	request   *EditRequest
	selected  *workingCopy
	listeners []ChangeListener
}

// workingCopy is the selected feature as edited and as last stored
type workingCopy struct {
	storeID string
	edited  Feature
	stored  Feature
}

// NewEditSession initializes the session
func NewEditSession(opts Options) (*EditSession, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: geometry provider is required", ErrInvalidConfig)
	}
	if opts.Viewport == nil {
		return nil, fmt.Errorf("%w: viewport is required", ErrInvalidConfig)
	}
	s := &EditSession{
		provider:    opts.Provider,
		viewport:    opts.Viewport,
		reporter:    opts.Reporter,
		stores:      make(map[string]Store, len(opts.Stores)),
		metrics:     opts.Metrics,
		progress:    opts.Progress,
		reportBusy:  opts.ReportBusy,
		tolerancePx: opts.TolerancePx,
		selection:   NewSelectionTracker(),
	}
	if s.reporter == nil {
		s.reporter = ReporterFunc(func(string, string) {})
	}
	if s.metrics == nil {
		s.metrics = NewSessionMetrics(nil)
	}
	if s.tolerancePx <= 0 {
		s.tolerancePx = 5
	}
	for _, st := range opts.Stores {
		if _, dup := s.stores[st.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate store %q", ErrInvalidConfig, st.ID())
		}
		s.stores[st.ID()] = st
		s.order = append(s.order, st.ID())
	}
	return s, nil
}

// RegisterListener adds a change listener
func (s *EditSession) RegisterListener(listener ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// State returns the current state
func (s *EditSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request returns the add or edit in progress, if any
func (s *EditSession) Request() (EditRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request == nil {
		return EditRequest{}, false
	}
	return *s.request, true
}

// Store looks up a store by id
func (s *EditSession) Store(id string) (Store, bool) {
	st, ok := s.stores[id]
	return st, ok
}

// StoreIDs lists stores bottom to top
func (s *EditSession) StoreIDs() []string {
	return append([]string(nil), s.order...)
}

// Selection returns the tracker; callers read it, the session writes it
func (s *EditSession) Selection() *SelectionTracker {
	return s.selection
}

// SelectedFeature returns a copy of the selected feature's working copy
func (s *EditSession) SelectedFeature() (Feature, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return Feature{}, false
	}
	return s.selected.edited.Clone(), true
}

// ModifySelected edits the working copy that SaveFeature writes back.
// fn receives a copy; edits a save does not commit are rolled back.
func (s *EditSession) ModifySelected(fn func(f *Feature)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return false
	}
	f := s.selected.edited.Clone()
	fn(&f)
	s.selected.edited = f
	return true
}

// SetAttribute sets one attribute on the working copy
func (s *EditSession) SetAttribute(name string, val TypedValue) bool {
	return s.ModifySelected(func(f *Feature) {
		f.Attributes[name] = val
	})
}

// AddFeature asks the user for a geometry of the template's kind and adds a feature built from it
func (s *EditSession) AddFeature(ctx context.Context, tmpl Template, storeID string) Outcome {
	return s.run(ctx, OpAdd, storeID, StateAwaitingGeometry, func(ctx context.Context, st Store) Outcome {
		s.clearSelection()
		s.setRequest(&EditRequest{StoreID: storeID, Template: &tmpl, Kind: tmpl.Kind()})

		s.metrics.geometryRequests.WithLabelValues(string(tmpl.Kind())).Inc()
		g, err := s.provider.RequestGeometry(ctx, tmpl.Kind(), s.progressFunc(ctx))
		if out, done := s.geometryFailed(OpAdd, storeID, "", err); done {
			return out
		}
		if g.Kind != tmpl.Kind() {
			err := fmt.Errorf("%w: template %q expects %s, got %s", ErrSchemaViolation, tmpl.Name(), tmpl.Kind(), g.Kind)
			return failed(OpAdd, storeID, "", err)
		}

		s.setState(StateCommitting)
		id, err := st.Add(ctx, tmpl.NewFeature(g))
		if err != nil {
			return failed(OpAdd, storeID, "", err)
		}
		return s.commit(ctx, OpAdd, st, id, ChangeAdded)
	})
}

// EditFeature re-acquires the geometry of f and updates it. Points request a new
// location; polylines and polygons are edited starting from the existing vertices.
func (s *EditSession) EditFeature(ctx context.Context, storeID string, f Feature) Outcome {
	return s.run(ctx, OpEdit, storeID, StateAwaitingGeometry, func(ctx context.Context, st Store) Outcome {
		kind := f.Geometry.Kind
		s.setRequest(&EditRequest{StoreID: storeID, Feature: &f, Kind: kind})

		s.metrics.geometryRequests.WithLabelValues(string(kind)).Inc()
		var g Geometry
		var err error
		if kind == KindPoint {
			g, err = s.provider.RequestGeometry(ctx, KindPoint, s.progressFunc(ctx))
		} else {
			g, err = s.provider.EditGeometry(ctx, f.Geometry.Clone(), s.progressFunc(ctx))
		}
		if out, done := s.geometryFailed(OpEdit, storeID, f.ID, err); done {
			return out
		}
		if g.Kind != kind {
			err := fmt.Errorf("%w: feature %s is %s, got %s", ErrSchemaViolation, f.ID, kind, g.Kind)
			return failed(OpEdit, storeID, f.ID, err)
		}

		s.setState(StateCommitting)
		updated := f.Clone()
		updated.Geometry = g
		if err := st.Update(ctx, updated); err != nil {
			return failed(OpEdit, storeID, f.ID, err)
		}
		s.refreshSelected(storeID, updated)
		return s.commit(ctx, OpEdit, st, f.ID, ChangeUpdated)
	})
}

// RemoveFeature deletes a feature
func (s *EditSession) RemoveFeature(ctx context.Context, storeID string, id FeatureID) Outcome {
	return s.run(ctx, OpRemove, storeID, StateCommitting, func(ctx context.Context, st Store) Outcome {
		if err := st.Delete(ctx, id); err != nil {
			return failed(OpRemove, storeID, id, err)
		}
		s.mu.Lock()
		if s.selection.ClearIf(storeID, id) {
			s.selected = nil
		}
		s.mu.Unlock()
		return s.commit(ctx, OpRemove, st, id, ChangeDeleted)
	})
}

// SaveFeature writes the selected feature's working copy back to its store.
// When the save does not commit, the working copy returns to the stored version.
func (s *EditSession) SaveFeature(ctx context.Context) Outcome {
	s.mu.Lock()
	wc := s.selected
	sel, ok := s.selection.Current()
	current := ok && wc != nil && sel.StoreID == wc.storeID && sel.FeatureID == wc.stored.ID
	var f Feature
	if current {
		f = wc.edited.Clone()
	}
	s.mu.Unlock()
	if !current {
		return Outcome{Op: OpSave, Result: ResultNoop}
	}

	out := s.run(ctx, OpSave, wc.storeID, StateCommitting, func(ctx context.Context, st Store) Outcome {
		if err := st.Update(ctx, f.Clone()); err != nil {
			return failed(OpSave, wc.storeID, f.ID, err)
		}
		return s.commit(ctx, OpSave, st, f.ID, ChangeUpdated)
	})
	s.settle(wc, f, out)
	return out
}

// settle keeps a saved working copy, or rolls back the edits a save did not commit
func (s *EditSession) settle(wc *workingCopy, saved Feature, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != wc {
		return
	}
	if out.OK() {
		wc.stored = saved
	} else {
		wc.edited = wc.stored.Clone()
	}
}

// SelectAt hit-tests stores top to bottom at a screen position and selects the first hit.
// Nothing happens while the geometry provider is active.
func (s *EditSession) SelectAt(ctx context.Context, x, y float64) Outcome {
	logger := log.FromContext(ctx).WithValues("operation", OpSelect)
	if s.provider.IsActive() {
		logger.V(1).Info("editor active, selection skipped")
		return Outcome{Op: OpSelect, Result: ResultNoop}
	}
	s.clearSelection()

	region := s.hitRegion(x, y)
	for i := len(s.order) - 1; i >= 0; i-- {
		st := s.stores[s.order[i]]
		features, err := st.Query(ctx, region)
		if err != nil {
			out := failed(OpSelect, st.ID(), "", err)
			s.metrics.outcomes.WithLabelValues(string(OpSelect), string(out.Result)).Inc()
			s.report(ctx, out)
			return out
		}
		if len(features) == 0 {
			continue
		}
		hit := features[0].Clone()
		s.mu.Lock()
		s.selection.Select(st.ID(), hit.ID)
		s.selected = &workingCopy{storeID: st.ID(), edited: hit, stored: hit.Clone()}
		s.mu.Unlock()
		s.metrics.selectionsChanged.Inc()
		s.metrics.outcomes.WithLabelValues(string(OpSelect), string(ResultSelected)).Inc()
		logger.V(1).Info("feature selected", "store", st.ID(), "feature", hit.ID)
		return Outcome{Op: OpSelect, Result: ResultSelected, StoreID: st.ID(), FeatureID: hit.ID}
	}
	return Outcome{Op: OpSelect, Result: ResultNoop}
}

// ClearSelection drops the selection and its working copy
func (s *EditSession) ClearSelection() {
	s.clearSelection()
}

func (s *EditSession) hitRegion(x, y float64) orb.Bound {
	t := s.tolerancePx
	a := s.viewport.ScreenToLocation(x-t, y-t)
	b := s.viewport.ScreenToLocation(x+t, y+t)
	return orb.Bound{Min: a, Max: a}.Extend(b)
}

// run serializes mutating operations and turns every ending into a reported Outcome
func (s *EditSession) run(ctx context.Context, op Op, storeID string, first State, fn func(context.Context, Store) Outcome) (out Outcome) {
	logger := log.FromContext(ctx).WithValues("operation", op, "store", storeID)
	ctx = log.IntoContext(ctx, logger)
	start := time.Now()

	if !s.begin(first) {
		out = Outcome{Op: op, Result: ResultBusy, StoreID: storeID, Err: ErrSessionBusy}
		s.metrics.busyRejections.Inc()
		s.observe(out, start)
		logger.V(1).Info("rejected, session busy")
		if s.reportBusy {
			s.report(ctx, out)
		}
		return out
	}
	logger.V(1).Info("state changed", "state", first)
	if h := hooksFrom(ctx); h.Started != nil {
		h.Started(op, first)
	}

	defer func() {
		if r := recover(); r != nil {
			out = failed(op, storeID, out.FeatureID, fmt.Errorf("panic: %v", r))
		}
		s.end()
		s.observe(out, start)
		s.report(ctx, out)
		if out.Err != nil && !errors.Is(out.Err, ErrCanceled) {
			logger.Error(out.Err, "operation failed", "result", out.Result, "feature", out.FeatureID)
		} else {
			logger.Info("operation finished", "result", out.Result, "feature", out.FeatureID)
		}
	}()

	st, ok := s.stores[storeID]
	if !ok {
		return failed(op, storeID, "", fmt.Errorf("%w: %q", ErrUnknownStore, storeID))
	}
	return fn(ctx, st)
}

// commit runs the explicit sync step and notifies listeners
func (s *EditSession) commit(ctx context.Context, op Op, st Store, id FeatureID, kind ChangeKind) Outcome {
	out := Outcome{Op: op, Result: ResultCommitted, StoreID: st.ID(), FeatureID: id}
	synced := true
	if st.SyncPolicy() == SyncExplicit {
		s.setState(StateSyncing)
		if err := st.ApplyPendingEdits(ctx); err != nil {
			if !errors.Is(err, ErrSyncFailed) {
				err = fmt.Errorf("%w: %w", ErrSyncFailed, err)
			}
			out.Result = ResultSyncFailed
			out.Err = err
			synced = false
		}
	}
	s.notify(ctx, ChangeEvent{StoreID: st.ID(), FeatureID: id, Kind: kind, Synced: synced})
	return out
}

// geometryFailed classifies a geometry provider error
func (s *EditSession) geometryFailed(op Op, storeID string, id FeatureID, err error) (Outcome, bool) {
	if err == nil {
		return Outcome{}, false
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return Outcome{Op: op, Result: ResultCanceled, StoreID: storeID, FeatureID: id, Err: ErrCanceled}, true
	}
	return failed(op, storeID, id, err), true
}

func failed(op Op, storeID string, id FeatureID, err error) Outcome {
	return Outcome{Op: op, Result: ResultFailed, StoreID: storeID, FeatureID: id, Err: err}
}

func (s *EditSession) begin(first State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = first
	return true
}

func (s *EditSession) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.request = nil
}

func (s *EditSession) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *EditSession) setRequest(r *EditRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = r
}

func (s *EditSession) clearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.Clear()
	s.selected = nil
}

func (s *EditSession) refreshSelected(storeID string, f Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wc := s.selected
	if wc == nil || wc.storeID != storeID || wc.stored.ID != f.ID {
		return
	}
	wc.edited = f.Clone()
	wc.stored = f.Clone()
}

func (s *EditSession) notify(ctx context.Context, ev ChangeEvent) {
	s.mu.Lock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ctx, ev)
	}
}

func (s *EditSession) progressFunc(ctx context.Context) ProgressFunc {
	logger := log.FromContext(ctx)
	return func(st EditStatus) {
		logger.V(2).Info("geometry progress", "action", st.Action, "vertices", st.Vertices)
		if s.progress != nil {
			s.progress(st)
		}
	}
}

func (s *EditSession) observe(out Outcome, start time.Time) {
	s.metrics.opLatency.WithLabelValues(string(out.Op)).Observe(time.Since(start).Seconds())
	s.metrics.outcomes.WithLabelValues(string(out.Op), string(out.Result)).Inc()
	if out.Result == ResultSyncFailed {
		s.metrics.syncFailures.WithLabelValues(out.StoreID).Inc()
	}
	if errors.Is(out.Err, ErrSchemaViolation) {
		s.metrics.schemaViolations.Inc()
	}
}

// report sends failures to the Reporter; cancellations stay silent
func (s *EditSession) report(ctx context.Context, out Outcome) {
	if out.Err == nil || errors.Is(out.Err, ErrCanceled) {
		return
	}
	title := "An error occurred"
	var msg string
	switch {
	case errors.Is(out.Err, ErrSessionBusy):
		title = "Editing in progress"
		msg = "Finish or cancel the current edit first."
	case errors.Is(out.Err, ErrSyncFailed):
		title = "Changes not synchronized"
		msg = fmt.Sprintf("The %s was saved locally but could not be sent to the server. Error = %v", out.Op, out.Err)
	case errors.Is(out.Err, ErrNotFound):
		msg = fmt.Sprintf("Could not %s feature, it no longer exists. Error = %v", out.Op, out.Err)
	default:
		msg = fmt.Sprintf("Could not %s feature. Error = %v", out.Op, out.Err)
	}
	s.reporter.ReportFailure(title, msg)
}
