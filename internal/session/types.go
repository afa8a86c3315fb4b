package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
)

// GeometryKind tags the shape of a Geometry
type GeometryKind string

const (
	KindPoint    GeometryKind = "point"
	KindPolyline GeometryKind = "polyline"
	KindPolygon  GeometryKind = "polygon"
)

// ParseGeometryKind accepts the config spellings of a kind
func ParseGeometryKind(s string) (GeometryKind, error) {
	switch GeometryKind(s) {
	case KindPoint, KindPolyline, KindPolygon:
		return GeometryKind(s), nil
	case "line", "linestring":
		return KindPolyline, nil
	}
	return "", fmt.Errorf("unknown geometry kind %q", s)
}

// MinVertices is the number of coordinates a complete geometry of this kind needs
func (k GeometryKind) MinVertices() int {
	switch k {
	case KindPoint:
		return 1
	case KindPolyline:
		return 2
	case KindPolygon:
		return 3
	}
	return 0
}

// Geometry is an ordered coordinate sequence plus a kind tag.
// Polygon rings are stored open; Orb closes them.
type Geometry struct {
	Kind   GeometryKind `json:"kind"`
	Coords []orb.Point  `json:"coords"`
}

// NewPoint builds a point geometry
func NewPoint(x, y float64) Geometry {
	return Geometry{Kind: KindPoint, Coords: []orb.Point{{x, y}}}
}

// Valid reports whether the coordinate count fits the kind
func (g Geometry) Valid() bool {
	min := g.Kind.MinVertices()
	if min == 0 || len(g.Coords) < min {
		return false
	}
	if g.Kind == KindPoint {
		return len(g.Coords) == 1
	}
	return true
}

// Clone returns a deep copy
func (g Geometry) Clone() Geometry {
	coords := make([]orb.Point, len(g.Coords))
	copy(coords, g.Coords)
	return Geometry{Kind: g.Kind, Coords: coords}
}

// Orb converts the geometry to its orb representation
func (g Geometry) Orb() orb.Geometry {
	switch g.Kind {
	case KindPoint:
		if len(g.Coords) == 0 {
			return orb.Point{}
		}
		return g.Coords[0]
	case KindPolyline:
		return orb.LineString(append([]orb.Point(nil), g.Coords...))
	case KindPolygon:
		ring := append(orb.Ring(nil), g.Coords...)
		if len(ring) > 0 && !ring.Closed() {
			ring = append(ring, ring[0])
		}
		return orb.Polygon{ring}
	}
	return orb.Collection{}
}

// Bound is the envelope of the geometry
func (g Geometry) Bound() orb.Bound {
	if len(g.Coords) == 0 {
		return orb.Bound{}
	}
	return g.Orb().Bound()
}

// GeometryFromOrb converts a point, line string or single polygon back
func GeometryFromOrb(o orb.Geometry) (Geometry, error) {
	switch v := o.(type) {
	case orb.Point:
		return Geometry{Kind: KindPoint, Coords: []orb.Point{v}}, nil
	case orb.LineString:
		return Geometry{Kind: KindPolyline, Coords: append([]orb.Point(nil), v...)}, nil
	case orb.Polygon:
		if len(v) == 0 {
			return Geometry{}, fmt.Errorf("empty polygon")
		}
		ring := v[0]
		if len(ring) > 1 && ring.Closed() {
			ring = ring[:len(ring)-1]
		}
		return Geometry{Kind: KindPolygon, Coords: append([]orb.Point(nil), ring...)}, nil
	}
	return Geometry{}, fmt.Errorf("unsupported geometry %T", o)
}

// ValueType is the type of an attribute value
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeDate   ValueType = "date"
)

// TypedValue is an attribute value with its type
type TypedValue struct {
	Type  ValueType
	Value interface{}
}

// String wraps a string attribute
func String(s string) TypedValue { return TypedValue{Type: TypeString, Value: s} }

// Number wraps a numeric attribute
func Number(f float64) TypedValue { return TypedValue{Type: TypeNumber, Value: f} }

// Date wraps a date attribute
func Date(t time.Time) TypedValue { return TypedValue{Type: TypeDate, Value: t.UTC()} }

// Valid reports whether Value holds the Go type matching Type
func (v TypedValue) Valid() bool {
	switch v.Type {
	case TypeString:
		_, ok := v.Value.(string)
		return ok
	case TypeNumber:
		_, ok := v.Value.(float64)
		return ok
	case TypeDate:
		_, ok := v.Value.(time.Time)
		return ok
	}
	return false
}

type typedValueJSON struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes dates as RFC 3339
func (v TypedValue) MarshalJSON() ([]byte, error) {
	val := v.Value
	if t, ok := val.(time.Time); ok {
		val = t.Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValueJSON{Type: v.Type, Value: raw})
}

// UnmarshalJSON restores the Go type from the type tag
func (v *TypedValue) UnmarshalJSON(data []byte) error {
	var tv typedValueJSON
	if err := json.Unmarshal(data, &tv); err != nil {
		return err
	}
	switch tv.Type {
	case TypeString:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(tv.Value, &f); err != nil {
			return err
		}
		*v = Number(f)
	case TypeDate:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = Date(t)
	default:
		return fmt.Errorf("unknown value type %q", tv.Type)
	}
	return nil
}

// FeatureID is assigned by the store on creation
type FeatureID string

// Feature is a geometry plus named attributes
type Feature struct {
	ID         FeatureID             `json:"id"`
	Geometry   Geometry              `json:"geometry"`
	Attributes map[string]TypedValue `json:"attributes"`
}

// Clone returns a deep copy
func (f Feature) Clone() Feature {
	attrs := make(map[string]TypedValue, len(f.Attributes))
	for k, v := range f.Attributes {
		attrs[k] = v
	}
	return Feature{ID: f.ID, Geometry: f.Geometry.Clone(), Attributes: attrs}
}

// Schema is the shape a store accepts
type Schema struct {
	Kind   GeometryKind
	Fields map[string]ValueType
}

// Check returns an ErrSchemaViolation describing the first mismatch
func (s Schema) Check(f Feature) error {
	if f.Geometry.Kind != s.Kind {
		return fmt.Errorf("%w: geometry kind %s, layer expects %s", ErrSchemaViolation, f.Geometry.Kind, s.Kind)
	}
	if !f.Geometry.Valid() {
		return fmt.Errorf("%w: %s with %d vertices", ErrSchemaViolation, f.Geometry.Kind, len(f.Geometry.Coords))
	}
	names := make([]string, 0, len(f.Attributes))
	for name := range f.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val := f.Attributes[name]
		want, ok := s.Fields[name]
		if !ok {
			return fmt.Errorf("%w: unknown attribute %q", ErrSchemaViolation, name)
		}
		if val.Type != want || !val.Valid() {
			return fmt.Errorf("%w: attribute %q is %s, want %s", ErrSchemaViolation, name, val.Type, want)
		}
	}
	return nil
}

// SyncPolicy says whether mutations need an explicit push to a remote
type SyncPolicy int

const (
	SyncImplicit SyncPolicy = iota
	SyncExplicit
)

func (p SyncPolicy) String() string {
	if p == SyncExplicit {
		return "explicit"
	}
	return "implicit"
}

// Template is a named prototype for new features. Immutable once built.
type Template struct {
	name     string
	store    string
	kind     GeometryKind
	defaults map[string]TypedValue
}

// NewTemplate copies defaults so later changes by the caller are not seen
func NewTemplate(name, store string, kind GeometryKind, defaults map[string]TypedValue) Template {
	attrs := make(map[string]TypedValue, len(defaults))
	for k, v := range defaults {
		attrs[k] = v
	}
	return Template{name: name, store: store, kind: kind, defaults: attrs}
}

func (t Template) Name() string       { return t.name }
func (t Template) Store() string      { return t.store }
func (t Template) Kind() GeometryKind { return t.kind }

// Defaults returns a copy of the prototype attributes
func (t Template) Defaults() map[string]TypedValue {
	attrs := make(map[string]TypedValue, len(t.defaults))
	for k, v := range t.defaults {
		attrs[k] = v
	}
	return attrs
}

// NewFeature builds an unsaved feature from the template defaults
func (t Template) NewFeature(g Geometry) Feature {
	return Feature{Geometry: g.Clone(), Attributes: t.Defaults()}
}
