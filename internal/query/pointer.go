// Package query runs spatial queries driven by continuous pointer input.
// Each pointer position yields a query region that is drawn at once; the
// store query behind it is single-flight, so positions arriving while a query
// is in flight are drawn but never queried.
package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zetareticula/geoedit/internal/session"
)

// Renderer displays the query region and the features found in it
type Renderer interface {
	ShowQueryRegion(region orb.Bound)
	ShowResults(features []session.Feature, totalArea float64)
}

// RegionFunc derives the query region around a map location
type RegionFunc func(center orb.Point) orb.Bound

// SquareRegion returns a region extending radius map units on each side
func SquareRegion(radius float64) RegionFunc {
	return func(c orb.Point) orb.Bound {
		return orb.Bound{
			Min: orb.Point{c[0] - radius, c[1] - radius},
			Max: orb.Point{c[0] + radius, c[1] + radius},
		}
	}
}

// Metrics tracks pointer query activity
type Metrics struct {
	executed prometheus.Counter
	dropped  prometheus.Counter
	failures prometheus.Counter
	latency  prometheus.Histogram
}

// NewMetrics initializes metrics and registers them on reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_pointer_queries_total",
			Help: "Spatial queries executed for pointer input",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_pointer_queries_dropped_total",
			Help: "Pointer triggers dropped because a query was in flight",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_pointer_query_failures_total",
			Help: "Pointer queries that returned an error",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geoedit_pointer_query_latency_seconds",
			Help:    "Spatial query latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executed, m.dropped, m.failures, m.latency)
	}
	return m
}

// Result is what one executed query found
type Result struct {
	Region    orb.Bound
	Features  []session.Feature
	TotalArea float64
	Err       error
}

// Options wires a PointerQuery
type Options struct {
	Store    session.Store
	Viewport session.Viewport
	Gate     *session.Gate
	// GateKey defaults to "spatial-query"
	GateKey  string
	Region   RegionFunc
	Renderer Renderer
	Reporter session.Reporter
	Metrics  *Metrics
}

// PointerQuery queries a store around the pointer location
type PointerQuery struct {
	store    session.Store
	viewport session.Viewport
	gate     *session.Gate
	key      string
	region   RegionFunc
	renderer Renderer
	reporter session.Reporter
	metrics  *Metrics
}

// New creates a PointerQuery
func New(opts Options) (*PointerQuery, error) {
	if opts.Store == nil || opts.Viewport == nil || opts.Region == nil {
		return nil, fmt.Errorf("%w: pointer query needs a store, a viewport and a region func", session.ErrInvalidConfig)
	}
	q := &PointerQuery{
		store:    opts.Store,
		viewport: opts.Viewport,
		gate:     opts.Gate,
		key:      opts.GateKey,
		region:   opts.Region,
		renderer: opts.Renderer,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
	}
	if q.gate == nil {
		q.gate = session.NewGate()
	}
	if q.key == "" {
		q.key = "spatial-query"
	}
	if q.renderer == nil {
		q.renderer = nopRenderer{}
	}
	if q.reporter == nil {
		q.reporter = session.ReporterFunc(func(string, string) {})
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	return q, nil
}

// Move handles a pointer position synchronously. It returns false without
// querying when a query for the same gate key is already in flight.
func (q *PointerQuery) Move(ctx context.Context, x, y float64) (Result, bool) {
	region, ok := q.enter(x, y)
	if !ok {
		return Result{Region: region}, false
	}
	defer q.gate.Exit(q.key)
	return q.execute(ctx, region), true
}

// Trigger handles a pointer position without blocking on the query. When it
// returns true the query runs in the background and its result is sent on the channel.
func (q *PointerQuery) Trigger(ctx context.Context, x, y float64) (<-chan Result, bool) {
	region, ok := q.enter(x, y)
	if !ok {
		return nil, false
	}
	done := make(chan Result, 1)
	go func() {
		defer q.gate.Exit(q.key)
		done <- q.execute(ctx, region)
	}()
	return done, true
}

// enter draws the region for the new position and claims the gate
func (q *PointerQuery) enter(x, y float64) (orb.Bound, bool) {
	region := q.region(q.viewport.ScreenToLocation(x, y))
	q.renderer.ShowQueryRegion(region)
	if !q.gate.TryEnter(q.key) {
		q.metrics.dropped.Inc()
		return region, false
	}
	return region, true
}

func (q *PointerQuery) execute(ctx context.Context, region orb.Bound) Result {
	logger := log.FromContext(ctx).WithValues("store", q.store.ID())
	start := time.Now()
	features, err := q.store.Query(ctx, region)
	q.metrics.latency.Observe(time.Since(start).Seconds())
	q.metrics.executed.Inc()
	if err != nil {
		q.metrics.failures.Inc()
		logger.Error(err, "spatial query failed")
		q.reporter.ReportFailure("An error occurred", fmt.Sprintf("Could not query features. Error = %v", err))
		return Result{Region: region, Err: err}
	}
	area := TotalArea(features)
	q.renderer.ShowResults(features, area)
	logger.V(2).Info("spatial query done", "found", len(features), "area", area)
	return Result{Region: region, Features: features, TotalArea: area}
}

// TotalArea sums the planar areas of polygon features. Overlaps are counted twice.
func TotalArea(features []session.Feature) float64 {
	var total float64
	for _, f := range features {
		if f.Geometry.Kind != session.KindPolygon || !f.Geometry.Valid() {
			continue
		}
		total += math.Abs(planar.Area(f.Geometry.Orb()))
	}
	return total
}

type nopRenderer struct{}

func (nopRenderer) ShowQueryRegion(orb.Bound)              {}
func (nopRenderer) ShowResults([]session.Feature, float64) {}
