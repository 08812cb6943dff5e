// Package pricing computes request cost from the tagged pricing variants a
// model entry can declare: a flat per-token price, an openrouter slug whose
// price the quota mirror tracks, or prompt-size tiers.
package pricing

import (
	"fmt"
	"sort"
)

// Kind discriminates the pricing variant.
type Kind string

const (
	KindSimple     Kind = "simple"
	KindOpenRouter Kind = "openrouter"
	KindRanges     Kind = "ranges"
)

// Spec is a tagged union; exactly one variant is populated per Kind.
// All prices are USD per million tokens.
type Spec struct {
	Kind       Kind       `yaml:"kind" json:"kind"`
	Simple     *Simple    `yaml:"simple,omitempty" json:"simple,omitempty"`
	OpenRouter *OpenRouter `yaml:"openrouter,omitempty" json:"openrouter,omitempty"`
	Ranges     []Range    `yaml:"ranges,omitempty" json:"ranges,omitempty"`
}

// Simple is a flat input/output/cached-read price.
type Simple struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
	Cached float64 `yaml:"cached" json:"cached"`
}

// OpenRouter prices a model by its openrouter slug; the live price comes from
// the quota mirror, with Discount applied on top.
type OpenRouter struct {
	Slug     string  `yaml:"slug" json:"slug"`
	Discount float64 `yaml:"discount" json:"discount"`
}

// Range is one prompt-token tier. Hi == 0 means unbounded. Ranges are
// half-open [Lo, Hi) over the prompt token count.
type Range struct {
	Lo     int     `yaml:"lo" json:"lo"`
	Hi     int     `yaml:"hi" json:"hi"`
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
	Cached float64 `yaml:"cached" json:"cached"`
}

// SlugPrices resolves openrouter slugs to live per-million-token prices.
// Implemented by the quota mirror; a nil resolver prices unknown slugs at 0.
type SlugPrices interface {
	SlugPrice(slug string) (input, output float64, ok bool)
}

// Validate checks variant consistency. Ranges must be sorted, non-overlapping,
// and only the last may be unbounded.
func (s *Spec) Validate() error {
	switch s.Kind {
	case KindSimple:
		if s.Simple == nil {
			return fmt.Errorf("pricing: simple variant missing")
		}
	case KindOpenRouter:
		if s.OpenRouter == nil || s.OpenRouter.Slug == "" {
			return fmt.Errorf("pricing: openrouter slug missing")
		}
		if d := s.OpenRouter.Discount; d < 0 || d > 1 {
			return fmt.Errorf("pricing: openrouter discount %v out of [0,1]", d)
		}
	case KindRanges:
		if len(s.Ranges) == 0 {
			return fmt.Errorf("pricing: ranges variant empty")
		}
		if !sort.SliceIsSorted(s.Ranges, func(i, j int) bool { return s.Ranges[i].Lo < s.Ranges[j].Lo }) {
			return fmt.Errorf("pricing: ranges not sorted by lo")
		}
		for i, r := range s.Ranges {
			if r.Hi != 0 && r.Hi <= r.Lo {
				return fmt.Errorf("pricing: range %d has hi <= lo", i)
			}
			if r.Hi == 0 && i != len(s.Ranges)-1 {
				return fmt.Errorf("pricing: unbounded range %d is not last", i)
			}
			if i > 0 {
				prev := s.Ranges[i-1]
				if prev.Hi == 0 || r.Lo < prev.Hi {
					return fmt.Errorf("pricing: range %d overlaps previous", i)
				}
			}
		}
	default:
		return fmt.Errorf("pricing: unknown kind %q", s.Kind)
	}
	return nil
}

// tier returns the range covering promptTokens. Validate guarantees order.
func tier(ranges []Range, promptTokens int) Range {
	for _, r := range ranges {
		if promptTokens >= r.Lo && (r.Hi == 0 || promptTokens < r.Hi) {
			return r
		}
	}
	return ranges[len(ranges)-1]
}

// Cost returns the USD cost for the given token counts. providerDiscount and
// any variant-level discount apply multiplicatively. Cached tokens are billed
// at the cached rate and excluded from the input rate.
func (s *Spec) Cost(promptTokens, completionTokens, cachedTokens int, providerDiscount float64, slugs SlugPrices) float64 {
	var in, out, cached float64
	switch s.Kind {
	case KindSimple:
		in, out, cached = s.Simple.Input, s.Simple.Output, s.Simple.Cached
	case KindRanges:
		r := tier(s.Ranges, promptTokens)
		in, out, cached = r.Input, r.Output, r.Cached
	case KindOpenRouter:
		if slugs != nil {
			if i, o, ok := slugs.SlugPrice(s.OpenRouter.Slug); ok {
				in, out = i, o
			}
		}
		mult := 1 - s.OpenRouter.Discount
		in *= mult
		out *= mult
	}

	billable := promptTokens - cachedTokens
	if billable < 0 {
		billable = 0
	}
	cost := (float64(billable)*in + float64(completionTokens)*out + float64(cachedTokens)*cached) / 1e6
	return cost * (1 - providerDiscount)
}

// NominalCost estimates the cost of a nominal 1K-prompt / 1K-completion
// request, used by the router's cost selector to order targets.
func (s *Spec) NominalCost(providerDiscount float64, slugs SlugPrices) float64 {
	return s.Cost(1000, 1000, 0, providerDiscount, slugs)
}
