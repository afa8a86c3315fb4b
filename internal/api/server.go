// Package api exposes an edit session over HTTP so a browser map can drive it.
// Pointer and sketch input arrive in screen pixels and are converted through
// the session's viewport. Adds and edits block on user input, so they run in
// the background and report through the event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zetareticula/geoedit/internal/query"
	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/sketch"
)

// Deps are the collaborators a Server drives
type Deps struct {
	Session   *session.EditSession
	Sketcher  *sketch.Sketcher
	Viewport  session.Viewport
	Pointer   *query.PointerQuery
	Templates []session.Template
	Hub       *Hub
	Gatherer  prometheus.Gatherer
	Logger    logr.Logger
}

// Server is the HTTP command surface
type Server struct {
	deps      Deps
	templates map[string]session.Template
	engine    *gin.Engine
	// ctx scopes background adds and edits; canceling it cancels their sketches
	ctx context.Context
	wg  sync.WaitGroup

	mu   sync.Mutex
	last *session.Outcome
}

type pointRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type moveVertexRequest struct {
	Index int     `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type addRequest struct {
	Template string `json:"template" binding:"required"`
}

type featureRequest struct {
	Store     string `json:"store" binding:"required"`
	FeatureID string `json:"feature_id" binding:"required"`
}

type saveRequest struct {
	Attributes map[string]session.TypedValue `json:"attributes"`
}

// NewServer builds the router. Background operations stop when ctx is canceled.
func NewServer(ctx context.Context, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		templates: make(map[string]session.Template, len(deps.Templates)),
		ctx:       log.IntoContext(ctx, deps.Logger),
	}
	for _, t := range deps.Templates {
		s.templates[t.Name()] = t
	}
	deps.Session.RegisterListener(deps.Hub.Changed)

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(deps.Logger))

	r.GET("/templates", s.listTemplates)
	r.GET("/stores", s.listStores)
	r.GET("/features", s.queryFeatures)
	r.GET("/session", s.sessionStatus)

	r.POST("/edits/add", s.addFeature)
	r.POST("/edits/edit", s.editFeature)
	r.POST("/edits/remove", s.removeFeature)
	r.POST("/edits/save", s.saveFeature)
	r.POST("/select", s.selectFeature)
	r.POST("/pointer", s.pointerMoved)

	sk := r.Group("/sketch")
	sk.POST("/vertex", s.addVertex)
	sk.POST("/move", s.moveVertex)
	sk.POST("/undo", s.undoVertex)
	sk.POST("/complete", s.completeSketch)
	sk.POST("/cancel", s.cancelSketch)

	r.GET("/events", func(c *gin.Context) { deps.Hub.serveWS(c.Writer, c.Request) })
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	s.engine = r
	return s
}

// Handler returns the http.Handler serving the API
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Wait blocks until background operations have finished
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) listTemplates(c *gin.Context) {
	out := make([]gin.H, 0, len(s.deps.Templates))
	for _, t := range s.deps.Templates {
		out = append(out, gin.H{"name": t.Name(), "store": t.Store(), "kind": t.Kind(), "attributes": t.Defaults()})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listStores(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, id := range s.deps.Session.StoreIDs() {
		st, _ := s.deps.Session.Store(id)
		out = append(out, gin.H{"id": id, "kind": st.Schema().Kind, "fields": st.Schema().Fields, "sync": st.SyncPolicy().String()})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) queryFeatures(c *gin.Context) {
	st, ok := s.deps.Session.Store(c.Query("store"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown store %q", c.Query("store"))})
		return
	}
	region := s.deps.Viewport.Extent()
	if raw := c.Query("bbox"); raw != "" {
		b, err := parseBBox(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		region = b
	}
	features, err := st.Query(c.Request.Context(), region)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, featureCollection(features))
}

func (s *Server) sessionStatus(c *gin.Context) {
	out := gin.H{"state": s.deps.Session.State().String()}
	if sel, ok := s.deps.Session.Selection().Current(); ok {
		out["selection"] = gin.H{"store": sel.StoreID, "feature_id": sel.FeatureID}
		if f, ok := s.deps.Session.SelectedFeature(); ok {
			out["selected_feature"] = f.GeoJSON()
		}
	}
	if req, ok := s.deps.Session.Request(); ok {
		out["request"] = gin.H{"store": req.StoreID, "kind": req.Kind}
	}
	if g, ok := s.deps.Sketcher.Current(); ok {
		out["sketch"] = gin.H{"kind": g.Kind, "coords": g.Coords}
	}
	s.mu.Lock()
	if s.last != nil {
		out["last_outcome"] = outcomeJSON(*s.last)
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) addFeature(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tmpl, ok := s.templates[req.Template]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown template %q", req.Template)})
		return
	}
	out, started := s.start(func(ctx context.Context) session.Outcome {
		return s.deps.Session.AddFeature(ctx, tmpl, tmpl.Store())
	})
	if !started {
		s.respond(c, out)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": session.StateAwaitingGeometry.String(), "kind": tmpl.Kind()})
}

func (s *Server) editFeature(c *gin.Context) {
	var req featureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, ok := s.deps.Session.Store(req.Store)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown store %q", req.Store)})
		return
	}
	f, err := st.Get(c.Request.Context(), session.FeatureID(req.FeatureID))
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out, started := s.start(func(ctx context.Context) session.Outcome {
		return s.deps.Session.EditFeature(ctx, req.Store, f)
	})
	if !started {
		s.respond(c, out)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": session.StateAwaitingGeometry.String(), "kind": f.Geometry.Kind})
}

func (s *Server) removeFeature(c *gin.Context) {
	var req featureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := s.deps.Session.RemoveFeature(s.requestContext(c), req.Store, session.FeatureID(req.FeatureID))
	s.respond(c, out)
}

func (s *Server) saveFeature(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for name, val := range req.Attributes {
		s.deps.Session.SetAttribute(name, val)
	}
	out := s.deps.Session.SaveFeature(s.requestContext(c))
	s.respond(c, out)
}

func (s *Server) selectFeature(c *gin.Context) {
	var req pointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := s.deps.Session.SelectAt(s.requestContext(c), req.X, req.Y)
	s.respond(c, out)
}

func (s *Server) pointerMoved(c *gin.Context) {
	if s.deps.Pointer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pointer query not configured"})
		return
	}
	var req pointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, ran := s.deps.Pointer.Move(s.requestContext(c), req.X, req.Y)
	if !ran {
		c.JSON(http.StatusOK, gin.H{"dropped": true})
		return
	}
	if res.Err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dropped":    false,
		"found":      len(res.Features),
		"total_area": res.TotalArea,
		"features":   featureCollection(res.Features),
	})
}

func (s *Server) addVertex(c *gin.Context) {
	var req pointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sketchResult(c, s.deps.Sketcher.AddVertex(s.deps.Viewport.ScreenToLocation(req.X, req.Y)))
}

func (s *Server) moveVertex(c *gin.Context) {
	var req moveVertexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sketchResult(c, s.deps.Sketcher.MoveVertex(req.Index, s.deps.Viewport.ScreenToLocation(req.X, req.Y)))
}

func (s *Server) undoVertex(c *gin.Context) {
	s.sketchResult(c, s.deps.Sketcher.RemoveVertex())
}

func (s *Server) completeSketch(c *gin.Context) {
	s.sketchResult(c, s.deps.Sketcher.Complete())
}

func (s *Server) cancelSketch(c *gin.Context) {
	s.sketchResult(c, s.deps.Sketcher.Cancel())
}

func (s *Server) sketchResult(c *gin.Context, err error) {
	switch {
	case err == nil:
		out := gin.H{"active": s.deps.Sketcher.IsActive()}
		if g, ok := s.deps.Sketcher.Current(); ok {
			out["coords"] = g.Coords
		}
		c.JSON(http.StatusOK, out)
	case errors.Is(err, sketch.ErrNoRequest):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
}

// start runs fn in the background and waits until it has claimed the session.
// If fn ends without starting, its outcome is returned for the caller to respond with.
// Outcomes of started operations go to the event stream.
func (s *Server) start(fn func(ctx context.Context) session.Outcome) (session.Outcome, bool) {
	started := make(chan struct{})
	done := make(chan session.Outcome, 1)
	began := false
	ctx := session.WithHooks(s.ctx, session.Hooks{Started: func(session.Op, session.State) {
		began = true
		close(started)
	}})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := fn(ctx)
		if !began {
			done <- out
			return
		}
		s.record(out)
		s.deps.Hub.Broadcast(Event{Type: "outcome", Data: outcomeJSON(out)})
	}()

	select {
	case <-started:
		return session.Outcome{}, true
	case out := <-done:
		return out, false
	}
}

func (s *Server) respond(c *gin.Context, out session.Outcome) {
	s.record(out)
	status := http.StatusOK
	switch {
	case out.Result == session.ResultBusy:
		status = http.StatusConflict
	case errors.Is(out.Err, session.ErrNotFound), errors.Is(out.Err, session.ErrUnknownStore):
		status = http.StatusNotFound
	case errors.Is(out.Err, session.ErrSchemaViolation):
		status = http.StatusUnprocessableEntity
	case out.Result == session.ResultSyncFailed:
		status = http.StatusAccepted
	case out.Result == session.ResultFailed:
		status = http.StatusInternalServerError
	}
	c.JSON(status, outcomeJSON(out))
}

func (s *Server) record(out session.Outcome) {
	if out.Op == session.OpSelect {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &out
}

func (s *Server) requestContext(c *gin.Context) context.Context {
	return log.IntoContext(c.Request.Context(), s.deps.Logger)
}

func outcomeJSON(out session.Outcome) gin.H {
	h := gin.H{"op": out.Op, "result": out.Result}
	if out.StoreID != "" {
		h["store"] = out.StoreID
	}
	if out.FeatureID != "" {
		h["feature_id"] = out.FeatureID
	}
	if out.Err != nil && out.Result != session.ResultCanceled {
		h["error"] = out.Err.Error()
	}
	return h
}

func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox needs minx,miny,maxx,maxy")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox: %w", err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// accessLog logs each request through logr
func accessLog(logger logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.V(1).Info("http_access",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}
