package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

// RemoteConfig defines the remote counterpart of an explicit-sync store
type RemoteConfig struct {
	Type     string   `yaml:"type" toml:"type"`
	Addr     string   `yaml:"addr" toml:"addr"`
	DB       int      `yaml:"db" toml:"db"`
	Hosts    []string `yaml:"hosts" toml:"hosts"`
	Keyspace string   `yaml:"keyspace" toml:"keyspace"`
}

// StoreConfig defines one feature layer
type StoreConfig struct {
	Name   string            `yaml:"name" toml:"name"`
	Driver string            `yaml:"driver" toml:"driver"`
	DSN    string            `yaml:"dsn" toml:"dsn"`
	Kind   string            `yaml:"kind" toml:"kind"`
	Fields map[string]string `yaml:"fields" toml:"fields"`
	Sync   string            `yaml:"sync" toml:"sync"`
	Remote RemoteConfig      `yaml:"remote" toml:"remote"`
}

// TemplateConfig defines a feature template; attribute types come from the store fields
type TemplateConfig struct {
	Name       string                 `yaml:"name" toml:"name"`
	Store      string                 `yaml:"store" toml:"store"`
	Kind       string                 `yaml:"kind" toml:"kind"`
	Attributes map[string]interface{} `yaml:"attributes" toml:"attributes"`
}

// ConnectionConfig defines remote retry parameters
type ConnectionConfig struct {
	MinTries   int `yaml:"min_tries" toml:"min_tries"`
	RetryDelay int `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
}

// QueryConfig tunes hit testing and pointer queries
type QueryConfig struct {
	TolerancePx float64 `yaml:"tolerance_px" toml:"tolerance_px"`
	Radius      float64 `yaml:"radius" toml:"radius"`
	GateKey     string  `yaml:"gate_key" toml:"gate_key"`
	Store       string  `yaml:"store" toml:"store"`
}

// StatisticsConfig defines periodic pending-edit reporting
type StatisticsConfig struct {
	Enabled         bool `yaml:"enabled" toml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" toml:"interval_seconds"`
}

// ServerConfig defines the HTTP surface and its virtual screen
type ServerConfig struct {
	Listen string     `yaml:"listen" toml:"listen"`
	Width  float64    `yaml:"width" toml:"width"`
	Height float64    `yaml:"height" toml:"height"`
	Extent [4]float64 `yaml:"extent" toml:"extent"`
}

// OptionsConfig holds session policy switches
type OptionsConfig struct {
	ReportBusy bool `yaml:"report_busy" toml:"report_busy"`
}

// Config represents the geoedit configuration
type Config struct {
	Stores     []StoreConfig    `yaml:"stores" toml:"stores"`
	Templates  []TemplateConfig `yaml:"templates" toml:"templates"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Query      QueryConfig      `yaml:"query" toml:"query"`
	Statistics StatisticsConfig `yaml:"statistics" toml:"statistics"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Session    OptionsConfig    `yaml:"session" toml:"session"`
}

// LoadConfig loads a YAML or, for .toml files, TOML configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &config)
	} else {
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Connection.MinTries <= 0 {
		c.Connection.MinTries = 3
	}
	if c.Connection.RetryDelay <= 0 {
		c.Connection.RetryDelay = 100
	}
	if c.Query.TolerancePx <= 0 {
		c.Query.TolerancePx = 5
	}
	if c.Query.GateKey == "" {
		c.Query.GateKey = "spatial-query"
	}
	if c.Statistics.IntervalSeconds <= 0 {
		c.Statistics.IntervalSeconds = 60
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Width <= 0 {
		c.Server.Width = 1024
	}
	if c.Server.Height <= 0 {
		c.Server.Height = 768
	}
	for i := range c.Stores {
		if c.Stores[i].Driver == "" {
			c.Stores[i].Driver = "memory"
		}
		if c.Stores[i].Sync == "" {
			c.Stores[i].Sync = "implicit"
		}
	}
}

// ApplyEnv overrides connection settings from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	for i := range c.Stores {
		s := &c.Stores[i]
		switch s.Remote.Type {
		case "redis":
			if v := getenv("GEOEDIT_REDIS_ADDR"); v != "" {
				s.Remote.Addr = v
			}
			if v := getenv("GEOEDIT_REDIS_DB"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n >= 0 {
					s.Remote.DB = n
				}
			}
		case "cassandra":
			if v := getenv("GEOEDIT_CASSANDRA_HOSTS"); v != "" {
				s.Remote.Hosts = strings.Split(v, ",")
			}
		}
		if s.Driver == "sqlite" {
			if v := getenv("GEOEDIT_SQLITE_PATH"); v != "" {
				s.DSN = v
			}
		}
	}
	if v := getenv("GEOEDIT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
}

// Validate checks store and template definitions
func (c *Config) Validate() error {
	if len(c.Stores) == 0 {
		return fmt.Errorf("%w: no stores", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Stores))
	for _, s := range c.Stores {
		if s.Name == "" {
			return fmt.Errorf("%w: store without name", ErrInvalidConfig)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate store %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
		if _, err := s.Schema(); err != nil {
			return err
		}
		switch s.Driver {
		case "memory", "sqlite", "postgres":
		default:
			return fmt.Errorf("%w: store %q: unknown driver %q", ErrInvalidConfig, s.Name, s.Driver)
		}
		if _, err := s.SyncPolicy(); err != nil {
			return err
		}
	}
	if c.Query.Store != "" && !seen[c.Query.Store] {
		return fmt.Errorf("%w: query store %q not defined", ErrInvalidConfig, c.Query.Store)
	}
	_, err := c.BuildTemplates()
	return err
}

// Schema builds the store schema
func (s StoreConfig) Schema() (Schema, error) {
	kind, err := ParseGeometryKind(s.Kind)
	if err != nil {
		return Schema{}, fmt.Errorf("%w: store %q: %v", ErrInvalidConfig, s.Name, err)
	}
	fields := make(map[string]ValueType, len(s.Fields))
	for name, t := range s.Fields {
		switch ValueType(t) {
		case TypeString, TypeNumber, TypeDate:
			fields[name] = ValueType(t)
		default:
			return Schema{}, fmt.Errorf("%w: store %q: field %q has unknown type %q", ErrInvalidConfig, s.Name, name, t)
		}
	}
	return Schema{Kind: kind, Fields: fields}, nil
}

// SyncPolicy parses the sync setting
func (s StoreConfig) SyncPolicy() (SyncPolicy, error) {
	switch s.Sync {
	case "implicit":
		return SyncImplicit, nil
	case "explicit":
		if s.Remote.Type != "redis" && s.Remote.Type != "cassandra" {
			return 0, fmt.Errorf("%w: store %q: explicit sync needs a redis or cassandra remote", ErrInvalidConfig, s.Name)
		}
		return SyncExplicit, nil
	}
	return 0, fmt.Errorf("%w: store %q: unknown sync %q", ErrInvalidConfig, s.Name, s.Sync)
}

// BuildTemplates types template attributes from their store schema
func (c *Config) BuildTemplates() ([]Template, error) {
	schemas := make(map[string]Schema, len(c.Stores))
	for _, s := range c.Stores {
		schema, err := s.Schema()
		if err != nil {
			return nil, err
		}
		schemas[s.Name] = schema
	}

	templates := make([]Template, 0, len(c.Templates))
	for _, tc := range c.Templates {
		schema, ok := schemas[tc.Store]
		if !ok {
			return nil, fmt.Errorf("%w: template %q: unknown store %q", ErrInvalidConfig, tc.Name, tc.Store)
		}
		kind := schema.Kind
		if tc.Kind != "" {
			k, err := ParseGeometryKind(tc.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: template %q: %v", ErrInvalidConfig, tc.Name, err)
			}
			if k != schema.Kind {
				return nil, fmt.Errorf("%w: template %q: kind %s does not match store %q kind %s",
					ErrInvalidConfig, tc.Name, k, tc.Store, schema.Kind)
			}
		}
		defaults := make(map[string]TypedValue, len(tc.Attributes))
		for name, raw := range tc.Attributes {
			vt, ok := schema.Fields[name]
			if !ok {
				return nil, fmt.Errorf("%w: template %q: attribute %q not in store %q", ErrInvalidConfig, tc.Name, name, tc.Store)
			}
			val, err := coerceValue(vt, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: template %q: attribute %q: %v", ErrInvalidConfig, tc.Name, name, err)
			}
			defaults[name] = val
		}
		templates = append(templates, NewTemplate(tc.Name, tc.Store, kind, defaults))
	}
	return templates, nil
}

// coerceValue converts a decoded config scalar to the field type
func coerceValue(vt ValueType, raw interface{}) (TypedValue, error) {
	switch vt {
	case TypeString:
		return String(fmt.Sprint(raw)), nil
	case TypeNumber:
		switch n := raw.(type) {
		case int:
			return Number(float64(n)), nil
		case int64:
			return Number(float64(n)), nil
		case float64:
			return Number(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return TypedValue{}, err
			}
			return Number(f), nil
		}
		return TypedValue{}, fmt.Errorf("not a number: %v", raw)
	case TypeDate:
		switch d := raw.(type) {
		case time.Time:
			return Date(d), nil
		case fmt.Stringer:
			return parseDate(d.String())
		case string:
			return parseDate(d)
		}
		return TypedValue{}, fmt.Errorf("not a date: %v", raw)
	}
	return TypedValue{}, fmt.Errorf("unknown type %q", vt)
}

func parseDate(s string) (TypedValue, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Date(t), nil
		}
	}
	return TypedValue{}, fmt.Errorf("not a date: %q", s)
}
