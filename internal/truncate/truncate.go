// Package truncate shortens text to a token budget while keeping its
// beginning and end.
package truncate

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

const (
	DefaultIndicator  = "\n...[truncated]...\n"
	DefaultFrontRatio = 0.3
	DefaultCoarseGap  = 16
)

// Counter reports how many tokens a text occupies. Every completion
// backend is a Counter.
type Counter interface {
	Tokenize(ctx context.Context, text string) (int, error)
}

type Options struct {
	// TargetTokens is the budget the result must fit.
	TargetTokens int
	// Indicator is inserted where content was cut.
	Indicator string
	// FrontRatio is the share of the kept length taken from the start of
	// the content; the rest comes from its end.
	FrontRatio float64
	// CoarseGap ends the search as soon as a candidate lands within this
	// many tokens of the target. Zero searches for the exact fit.
	CoarseGap int
}

// DefaultOptions returns the options used when the settings leave them out.
func DefaultOptions(target int) Options {
	return Options{
		TargetTokens: target,
		Indicator:    DefaultIndicator,
		FrontRatio:   DefaultFrontRatio,
		CoarseGap:    DefaultCoarseGap,
	}
}

func (o Options) normalized() Options {
	if o.TargetTokens < 0 {
		o.TargetTokens = 0
	}
	switch {
	case o.FrontRatio < 0:
		o.FrontRatio = 0
	case o.FrontRatio > 1:
		o.FrontRatio = 1
	}
	if o.CoarseGap < 0 {
		o.CoarseGap = 0
	}
	if o.CoarseGap > o.TargetTokens/2 {
		o.CoarseGap = o.TargetTokens / 2
	}
	return o
}

type Result struct {
	Content   string
	Truncated bool
}

// EstimateTokens approximates a token count from the text length, at four
// characters per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Truncate fits content into opts.TargetTokens. Content within budget is
// returned unchanged; otherwise the result is a prefix of content, the
// indicator and a suffix of content, as long as the budget allows. When
// the indicator alone does not fit, content is cut without it.
//
// When counter reports domain.ErrUnsupported every measurement falls back
// to EstimateTokens, the initial fit check included, so short content is
// still returned unchanged. Any other counter error is returned.
func Truncate(ctx context.Context, counter Counter, content string, opts Options) (Result, error) {
	opts = opts.normalized()
	m := &measurer{counter: counter}

	total, err := m.count(ctx, content)
	if err != nil {
		return Result{}, err
	}
	if total <= opts.TargetTokens {
		return Result{Content: content}, nil
	}

	runes := []rune(content)
	best, ok, err := search(ctx, m, runes, opts)
	if err != nil {
		return Result{}, err
	}
	if !ok && opts.Indicator != "" {
		opts.Indicator = ""
		if best, _, err = search(ctx, m, runes, opts); err != nil {
			return Result{}, err
		}
	}
	return Result{Content: best, Truncated: true}, nil
}

// search binary-searches the number of kept runes. ok is false when no
// candidate fit the budget, in which case best is the shortest candidate.
func search(ctx context.Context, m *measurer, runes []rune, opts Options) (best string, ok bool, err error) {
	render := func(kept int) string {
		front := int(float64(kept) * opts.FrontRatio)
		rear := kept - front
		return string(runes[:front]) + opts.Indicator + string(runes[len(runes)-rear:])
	}

	best = render(0)
	lo, hi := 0, len(runes)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		candidate := render(mid)
		n, err := m.count(ctx, candidate)
		if err != nil {
			return "", false, err
		}

		if opts.CoarseGap > 0 && abs(n-opts.TargetTokens) <= opts.CoarseGap {
			return candidate, true, nil
		}
		if n <= opts.TargetTokens {
			best, ok = candidate, true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, ok, nil
}

// measurer switches to the length heuristic for good once the counter
// says it cannot count.
type measurer struct {
	counter   Counter
	heuristic bool
}

func (m *measurer) count(ctx context.Context, text string) (int, error) {
	if m.heuristic || m.counter == nil {
		return EstimateTokens(text), nil
	}
	n, err := m.counter.Tokenize(ctx, text)
	if errors.Is(err, domain.ErrUnsupported) {
		m.heuristic = true
		return EstimateTokens(text), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens: %w", err)
	}
	return n, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
