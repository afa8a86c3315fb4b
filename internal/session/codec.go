package session

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
)

// GeoJSON converts the feature to a GeoJSON feature; properties keep their type tags
func (f Feature) GeoJSON() *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry.Orb())
	gf.ID = string(f.ID)
	for name, val := range f.Attributes {
		gf.Properties[name] = val
	}
	return gf
}

// FeatureFromGeoJSON is the inverse of Feature.GeoJSON. Plain string and
// number properties are accepted as string and number attributes.
func FeatureFromGeoJSON(gf *geojson.Feature) (Feature, error) {
	return decodeFeature(gf, func(name string, raw interface{}) (TypedValue, error) {
		switch v := raw.(type) {
		case string:
			return String(v), nil
		case float64:
			return Number(v), nil
		case int:
			return Number(float64(v)), nil
		}
		return TypedValue{}, fmt.Errorf("property %q: unsupported value %v", name, raw)
	})
}

// DecodeFeature reads a GeoJSON feature for a layer. Plain properties are
// converted to the type the schema declares for them; dates may be RFC 3339
// or YYYY-MM-DD strings.
func DecodeFeature(gf *geojson.Feature, schema Schema) (Feature, error) {
	return decodeFeature(gf, func(name string, raw interface{}) (TypedValue, error) {
		vt, ok := schema.Fields[name]
		if !ok {
			return TypedValue{}, fmt.Errorf("%w: unknown attribute %q", ErrSchemaViolation, name)
		}
		val, err := coerceValue(vt, raw)
		if err != nil {
			return TypedValue{}, fmt.Errorf("%w: attribute %q: %v", ErrSchemaViolation, name, err)
		}
		return val, nil
	})
}

func decodeFeature(gf *geojson.Feature, plain func(name string, raw interface{}) (TypedValue, error)) (Feature, error) {
	if gf == nil || gf.Geometry == nil {
		return Feature{}, fmt.Errorf("feature without geometry")
	}
	g, err := GeometryFromOrb(gf.Geometry)
	if err != nil {
		return Feature{}, err
	}
	f := Feature{Geometry: g, Attributes: make(map[string]TypedValue, len(gf.Properties))}
	if gf.ID != nil {
		f.ID = FeatureID(fmt.Sprint(gf.ID))
	}
	for name, raw := range gf.Properties {
		if raw == nil {
			continue
		}
		tv, ok, err := typedProperty(raw)
		if err != nil {
			return Feature{}, fmt.Errorf("property %q: %w", name, err)
		}
		if !ok {
			if tv, err = plain(name, raw); err != nil {
				return Feature{}, err
			}
		}
		f.Attributes[name] = tv
	}
	return f, nil
}

// typedProperty decodes a {"type":..,"value":..} property; ok is false for plain values
func typedProperty(raw interface{}) (TypedValue, bool, error) {
	switch v := raw.(type) {
	case TypedValue:
		return v, true, nil
	case map[string]interface{}:
		if _, hasType := v["type"]; !hasType {
			return TypedValue{}, false, nil
		}
		if _, hasValue := v["value"]; !hasValue || len(v) != 2 {
			return TypedValue{}, false, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return TypedValue{}, false, err
		}
		var tv TypedValue
		if err := json.Unmarshal(data, &tv); err != nil {
			return TypedValue{}, false, err
		}
		return tv, true, nil
	}
	return TypedValue{}, false, nil
}

// MarshalFeature encodes a feature as GeoJSON bytes
func MarshalFeature(f Feature) ([]byte, error) {
	return f.GeoJSON().MarshalJSON()
}

// UnmarshalFeature decodes GeoJSON bytes written by MarshalFeature
func UnmarshalFeature(data []byte) (Feature, error) {
	gf, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return Feature{}, err
	}
	return FeatureFromGeoJSON(gf)
}
