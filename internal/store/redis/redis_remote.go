package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/store/service"
)

// Remote keeps each layer as a Redis hash of feature id -> GeoJSON
type Remote struct {
	client *redis.Client
	prefix string
}

// NewRemote creates a new Redis remote
func NewRemote(addr string, db int) *Remote {
	return NewRemoteFromClient(redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	}))
}

// NewRemoteFromClient wraps an existing client
func NewRemoteFromClient(client *redis.Client) *Remote {
	return &Remote{client: client, prefix: "geoedit:layer:"}
}

// LayerKey is the hash holding a layer's features
func (r *Remote) LayerKey(layer string) string {
	return r.prefix + layer
}

// Push applies edits in one MULTI/EXEC. Replaying the same edits leaves the same hash.
func (r *Remote) Push(ctx context.Context, layer string, edits []service.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	cmds, err := buildCommands(r.LayerKey(layer), edits)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range cmds {
			if c.del {
				pipe.HDel(ctx, c.key, c.field)
			} else {
				pipe.HSet(ctx, c.key, c.field, c.value)
			}
		}
		pipe.Set(ctx, r.LayerKey(layer)+":last_edit", edits[len(edits)-1].ID.String(), 0)
		return nil
	})
	return err
}

// Features returns every feature of a layer ordered by id
func (r *Remote) Features(ctx context.Context, layer string) ([]session.Feature, error) {
	vals, err := r.client.HGetAll(ctx, r.LayerKey(layer)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.Feature, 0, len(vals))
	for id, raw := range vals {
		f, err := session.UnmarshalFeature([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", id, err)
		}
		f.ID = session.FeatureID(id)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close closes the Redis client connection
func (r *Remote) Close() error {
	return r.client.Close()
}

type hashCommand struct {
	key   string
	field string
	value string
	del   bool
}

func buildCommands(key string, edits []service.Edit) ([]hashCommand, error) {
	cmds := make([]hashCommand, 0, len(edits))
	for _, e := range edits {
		switch e.Op {
		case service.EditAdd, service.EditUpdate:
			if e.Feature == nil {
				return nil, fmt.Errorf("edit %s: %s without feature", e.ID, e.Op)
			}
			data, err := session.MarshalFeature(*e.Feature)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, hashCommand{key: key, field: string(e.FeatureID), value: string(data)})
		case service.EditDelete:
			cmds = append(cmds, hashCommand{key: key, field: string(e.FeatureID), del: true})
		default:
			return nil, fmt.Errorf("edit %s: unknown op %q", e.ID, e.Op)
		}
	}
	return cmds, nil
}
