// Package signals turns raw per-source observations into one ranked
// conviction value per symbol.
package signals

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Signal is one normalized observation. Values are never mutated after
// Normalize produces them.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Source     string    `json:"source"`
	Sentiment  float64   `json:"sentiment"` // [-1,1]
	Volume     float64   `json:"volume"`    // mention/activity count
	Weight     float64   `json:"weight"`    // source trust [0,1]
	ObservedAt time.Time `json:"observed_at"`
}

// RawEvent is the closed set of payloads a signal source can emit.
type RawEvent interface {
	sourceKind() string
}

// SocialPost is a social-media mention summary.
type SocialPost struct {
	Platform string    `json:"platform"`
	Ticker   string    `json:"ticker"`
	Score    float64   `json:"score"`
	Mentions int       `json:"mentions"`
	Upvotes  int       `json:"upvotes"`
	PostedAt time.Time `json:"posted_at"`
}

// FilingEvent is a regulatory filing. Insider buys read bullish, sales bearish.
type FilingEvent struct {
	Form     string    `json:"form"`
	Ticker   string    `json:"ticker"`
	Bullish  bool      `json:"bullish"`
	Strength float64   `json:"strength"` // [0,1]
	FiledAt  time.Time `json:"filed_at"`
}

// NewsItem is a classified headline.
type NewsItem struct {
	Provider    string    `json:"provider"`
	Tickers     []string  `json:"tickers"`
	Sentiment   float64   `json:"sentiment"`
	Publishers  int       `json:"publishers"`
	PublishedAt time.Time `json:"published_at"`
}

// Record is the generic pre-normalized record.
type Record struct {
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`
	Sentiment float64   `json:"sentiment"`
	Volume    float64   `json:"volume"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

func (SocialPost) sourceKind() string  { return "social" }
func (FilingEvent) sourceKind() string { return "filing" }
func (NewsItem) sourceKind() string    { return "news" }
func (r Record) sourceKind() string    { return r.Source }

var ErrMalformedEvent = errors.New("malformed signal event")

// Weights maps a source id to its configured trust weight. A configured
// weight replaces whatever weight the raw event carried.
type Weights map[string]float64

func (w Weights) resolve(source string, raw float64) float64 {
	if v, ok := w[source]; ok {
		return v
	}
	return raw
}

// Normalize converts raw events into Signals. Malformed events are skipped
// and reported individually; the rest of the batch is still returned.
func Normalize(events []RawEvent, weights Weights) ([]Signal, []error) {
	var out []Signal
	var errs []error
	for i, ev := range events {
		sigs, err := normalizeOne(ev, weights)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d (%T): %w", i, ev, err))
			continue
		}
		out = append(out, sigs...)
	}
	return out, errs
}

func normalizeOne(ev RawEvent, weights Weights) ([]Signal, error) {
	switch e := ev.(type) {
	case SocialPost:
		src := "social:" + strings.ToLower(e.Platform)
		if e.Mentions < 0 || e.Upvotes < 0 {
			return nil, fmt.Errorf("%w: negative mention count", ErrMalformedEvent)
		}
		s := Signal{
			Symbol:     normalizeSymbol(e.Ticker),
			Source:     src,
			Sentiment:  e.Score,
			Volume:     float64(e.Mentions) + float64(e.Upvotes)/10,
			Weight:     weights.resolve(src, 0.5),
			ObservedAt: e.PostedAt,
		}
		return []Signal{s}, validate(s)
	case FilingEvent:
		src := "filing:" + strings.ToLower(e.Form)
		sent := e.Strength
		if !e.Bullish {
			sent = -sent
		}
		s := Signal{
			Symbol:     normalizeSymbol(e.Ticker),
			Source:     src,
			Sentiment:  sent,
			Volume:     1,
			Weight:     weights.resolve(src, 0.9),
			ObservedAt: e.FiledAt,
		}
		return []Signal{s}, validate(s)
	case NewsItem:
		src := "news:" + strings.ToLower(e.Provider)
		if len(e.Tickers) == 0 {
			return nil, fmt.Errorf("%w: news item without tickers", ErrMalformedEvent)
		}
		out := make([]Signal, 0, len(e.Tickers))
		for _, t := range e.Tickers {
			s := Signal{
				Symbol:     normalizeSymbol(t),
				Source:     src,
				Sentiment:  e.Sentiment,
				Volume:     float64(e.Publishers),
				Weight:     weights.resolve(src, 0.7),
				ObservedAt: e.PublishedAt,
			}
			if err := validate(s); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case Record:
		s := Signal{
			Symbol:     normalizeSymbol(e.Symbol),
			Source:     e.Source,
			Sentiment:  e.Sentiment,
			Volume:     e.Volume,
			Weight:     weights.resolve(e.Source, e.Weight),
			ObservedAt: e.Timestamp,
		}
		return []Signal{s}, validate(s)
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrMalformedEvent, ev.sourceKind())
	}
}

func validate(s Signal) error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedEvent)
	case s.Source == "":
		return fmt.Errorf("%w: empty source", ErrMalformedEvent)
	case math.IsNaN(s.Sentiment) || s.Sentiment < -1 || s.Sentiment > 1:
		return fmt.Errorf("%w: sentiment %v outside [-1,1]", ErrMalformedEvent, s.Sentiment)
	case math.IsNaN(s.Volume) || math.IsInf(s.Volume, 0) || s.Volume < 0:
		return fmt.Errorf("%w: volume %v", ErrMalformedEvent, s.Volume)
	case math.IsNaN(s.Weight) || s.Weight < 0 || s.Weight > 1:
		return fmt.Errorf("%w: weight %v outside [0,1]", ErrMalformedEvent, s.Weight)
	}
	return nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
