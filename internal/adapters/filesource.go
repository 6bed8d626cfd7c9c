package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// FileSource re-reads a JSON fixture on every Fetch. The file holds an
// array of {"kind": ..., "data": {...}} envelopes, kind being one of
// social, filing, news or record. A missing file yields no events.
type FileSource struct {
	name string
	path string
}

func NewFileSource(name, path string) *FileSource {
	return &FileSource{name: name, path: path}
}

func (f *FileSource) Name() string { return f.name }

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (f *FileSource) Fetch(ctx context.Context) ([]signals.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	var envs []envelope
	if err := json.Unmarshal(b, &envs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}

	out := make([]signals.RawEvent, 0, len(envs))
	for i, env := range envs {
		ev, err := decodeEvent(env)
		if err != nil {
			observ.Warn("source_event_skipped", map[string]any{"source": f.name, "index": i, "error": err.Error()})
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(env envelope) (signals.RawEvent, error) {
	switch env.Kind {
	case "social":
		var v signals.SocialPost
		err := json.Unmarshal(env.Data, &v)
		return v, err
	case "filing":
		var v signals.FilingEvent
		err := json.Unmarshal(env.Data, &v)
		return v, err
	case "news":
		var v signals.NewsItem
		err := json.Unmarshal(env.Data, &v)
		return v, err
	case "record":
		var v signals.Record
		err := json.Unmarshal(env.Data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}
