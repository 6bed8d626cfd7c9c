package signals

import (
	"math"
	"sort"
	"time"
)

// Conviction is the fused score for one symbol in one cycle.
type Conviction struct {
	Symbol         string    `json:"symbol"`
	Sentiment      float64   `json:"sentiment"`
	WeightedVolume float64   `json:"weighted_volume"`
	Sources        []string  `json:"sources"`
	ComputedAt     time.Time `json:"computed_at"`
}

type AggregatorConfig struct {
	// Symbols whose Σ(w·log1p(v)) is below this floor are dropped.
	MinWeightedVolume float64
}

// Aggregate fuses a batch into one Conviction per symbol using the
// volume-and-trust-weighted mean Σ(s·w·log1p(v)) / Σ(w·log1p(v)).
// The result does not depend on the order of the batch.
func Aggregate(batch []Signal, cfg AggregatorConfig, now time.Time) []Conviction {
	bySymbol := map[string][]Signal{}
	for _, s := range batch {
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	out := make([]Conviction, 0, len(bySymbol))
	for sym, sigs := range bySymbol {
		// float addition is not associative
		sort.Slice(sigs, func(i, j int) bool { return signalLess(sigs[i], sigs[j]) })

		var num, den float64
		seen := map[string]bool{}
		var sources []string
		for _, s := range sigs {
			wv := s.Weight * math.Log1p(s.Volume)
			num += s.Sentiment * wv
			den += wv
			if !seen[s.Source] {
				seen[s.Source] = true
				sources = append(sources, s.Source)
			}
		}
		if den <= 0 || den < cfg.MinWeightedVolume {
			continue
		}
		sort.Strings(sources)
		out = append(out, Conviction{
			Symbol:         sym,
			Sentiment:      clamp(num / den),
			WeightedVolume: den,
			Sources:        sources,
			ComputedAt:     now,
		})
	}

	Rank(out)
	return out
}

// Rank orders convictions by sentiment desc, weighted volume desc, symbol asc.
func Rank(cs []Conviction) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Sentiment != b.Sentiment {
			return a.Sentiment > b.Sentiment
		}
		if a.WeightedVolume != b.WeightedVolume {
			return a.WeightedVolume > b.WeightedVolume
		}
		return a.Symbol < b.Symbol
	})
}

func signalLess(a, b Signal) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	if a.Volume != b.Volume {
		return a.Volume < b.Volume
	}
	return a.Sentiment < b.Sentiment
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// EntryRules decide which convictions become buy candidates.
type EntryRules struct {
	BuyThreshold   float64
	MinSources     int
	MaxNewPerCycle int
}

// SelectCandidates returns ranked convictions eligible for a new entry,
// skipping symbols already held.
func SelectCandidates(ranked []Conviction, rules EntryRules, held map[string]bool) []Conviction {
	var out []Conviction
	for _, c := range ranked {
		if rules.MaxNewPerCycle > 0 && len(out) >= rules.MaxNewPerCycle {
			break
		}
		if held[c.Symbol] {
			continue
		}
		if c.Sentiment < rules.BuyThreshold || len(c.Sources) < rules.MinSources {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Index maps convictions by symbol for exit staleness lookups.
func Index(cs []Conviction) map[string]Conviction {
	m := make(map[string]Conviction, len(cs))
	for _, c := range cs {
		m[c.Symbol] = c
	}
	return m
}
