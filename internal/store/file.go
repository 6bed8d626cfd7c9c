package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

type consumedRecord struct {
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type fileDoc struct {
	Risk      risk.State                 `json:"risk"`
	Positions map[string]portfolio.Entry `json:"positions"`
	Consumed  map[string]consumedRecord  `json:"consumed"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// File keeps everything in one JSON document rewritten atomically through a
// temp file and rename. It serves a single process.
type File struct {
	mu   sync.Mutex
	path string
	doc  fileDoc
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &File{path: path, doc: fileDoc{
		Positions: map[string]portfolio.Entry{},
		Consumed:  map[string]consumedRecord{},
	}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if f.doc.Positions == nil {
		f.doc.Positions = map[string]portfolio.Entry{}
	}
	if f.doc.Consumed == nil {
		f.doc.Consumed = map[string]consumedRecord{}
	}
	return f, nil
}

// saveLocked writes the document; on failure the caller restores its
// in-memory change.
func (f *File) saveLocked() error {
	f.doc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func (f *File) LoadRisk(context.Context) (risk.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.Risk, nil
}

func (f *File) CompareAndSwapRisk(_ context.Context, expected int64, next risk.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.Risk.Version != expected {
		return risk.ErrVersionConflict
	}
	prev := f.doc.Risk
	f.doc.Risk = next
	if err := f.saveLocked(); err != nil {
		f.doc.Risk = prev
		return err
	}
	return nil
}

func (f *File) LoadEntries(context.Context) ([]portfolio.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]portfolio.Entry, 0, len(f.doc.Positions))
	for _, e := range f.doc.Positions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *File) UpsertEntry(_ context.Context, e portfolio.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.doc.Positions[e.Symbol]
	f.doc.Positions[e.Symbol] = e
	if err := f.saveLocked(); err != nil {
		if had {
			f.doc.Positions[e.Symbol] = prev
		} else {
			delete(f.doc.Positions, e.Symbol)
		}
		return err
	}
	return nil
}

func (f *File) DeleteEntry(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.doc.Positions[symbol]
	if !had {
		return nil
	}
	delete(f.doc.Positions, symbol)
	if err := f.saveLocked(); err != nil {
		f.doc.Positions[symbol] = prev
		return err
	}
	return nil
}

func (f *File) MarkConsumed(_ context.Context, id string, at, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.doc.Consumed[id]; ok {
		return false, nil
	}
	f.doc.Consumed[id] = consumedRecord{At: at, ExpiresAt: expiresAt}
	if err := f.saveLocked(); err != nil {
		delete(f.doc.Consumed, id)
		return false, err
	}
	return true, nil
}

func (f *File) PruneConsumed(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := map[string]consumedRecord{}
	for id, r := range f.doc.Consumed {
		if r.ExpiresAt.Before(cutoff) {
			removed[id] = r
			delete(f.doc.Consumed, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := f.saveLocked(); err != nil {
		for id, r := range removed {
			f.doc.Consumed[id] = r
		}
		return 0, err
	}
	return len(removed), nil
}

func (f *File) Close() error { return nil }
