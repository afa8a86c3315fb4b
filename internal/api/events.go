package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/zetareticula/geoedit/internal/session"
)

// Event is one message on the event stream
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans session activity out to websocket clients. It is the session's
// Reporter and progress sink and the pointer query's Renderer.
type Hub struct {
	logger  logr.Logger
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub creates a hub with no clients
func NewHub(logger logr.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[chan Event]struct{})}
}

// Broadcast sends ev to every client; clients that fall behind lose the event
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.V(1).Info("event dropped for slow client", "type", ev.Type)
		}
	}
}

// Subscribe registers a client channel; the returned func unregisters it
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// ReportFailure implements session.Reporter
func (h *Hub) ReportFailure(title, message string) {
	h.logger.Info("failure reported", "title", title, "message", message)
	h.Broadcast(Event{Type: "failure", Data: map[string]string{"title": title, "message": message}})
}

// Progress forwards geometry progress
func (h *Hub) Progress(st session.EditStatus) {
	h.Broadcast(Event{Type: "progress", Data: map[string]interface{}{
		"action":   st.Action,
		"kind":     st.Kind,
		"vertices": st.Vertices,
		"point":    st.Point,
	}})
}

// Changed is a session.ChangeListener
func (h *Hub) Changed(ctx context.Context, ev session.ChangeEvent) {
	h.Broadcast(Event{Type: "change", Data: map[string]interface{}{
		"store":   ev.StoreID,
		"feature": ev.FeatureID,
		"kind":    ev.Kind,
		"synced":  ev.Synced,
	}})
}

// ShowQueryRegion implements query.Renderer
func (h *Hub) ShowQueryRegion(region orb.Bound) {
	h.Broadcast(Event{Type: "query_region", Data: geojson.NewGeometry(region.ToPolygon())})
}

// ShowResults implements query.Renderer
func (h *Hub) ShowResults(features []session.Feature, totalArea float64) {
	h.Broadcast(Event{Type: "query_results", Data: map[string]interface{}{
		"features":   featureCollection(features),
		"total_area": totalArea,
	}})
}

// serveWS streams events to one websocket client until it disconnects
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(err, "websocket upgrade failed")
		return
	}
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func featureCollection(features []session.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(f.GeoJSON())
	}
	return fc
}
