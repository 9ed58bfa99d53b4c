package truncate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// runeCounter counts one token per rune and records how often it was asked.
type runeCounter struct {
	calls int
}

func (c *runeCounter) Tokenize(ctx context.Context, text string) (int, error) {
	c.calls++
	return utf8.RuneCountInString(text), nil
}

type unsupportedCounter struct{}

func (unsupportedCounter) Tokenize(ctx context.Context, text string) (int, error) {
	return 0, fmt.Errorf("no tokenizer: %w", domain.ErrUnsupported)
}

type brokenCounter struct{}

func (brokenCounter) Tokenize(ctx context.Context, text string) (int, error) {
	return 0, errors.New("connection refused")
}

func assertShape(t *testing.T, original, result, indicator string) {
	t.Helper()
	i := strings.Index(result, indicator)
	if i < 0 {
		t.Fatalf("indicator missing from %q", result)
	}
	prefix, suffix := result[:i], result[i+len(indicator):]
	if !strings.HasPrefix(original, prefix) {
		t.Fatalf("%q is not a prefix of the content", prefix)
	}
	if !strings.HasSuffix(original, suffix) {
		t.Fatalf("%q is not a suffix of the content", suffix)
	}
}

func TestTruncateWithinBudgetUnchanged(t *testing.T) {
	for _, content := range []string{"", "ls", strings.Repeat("x", 100)} {
		res, err := Truncate(context.Background(), &runeCounter{}, content, DefaultOptions(100))
		if err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		if res.Truncated || res.Content != content {
			t.Fatalf("content within budget was changed: %+v", res)
		}
	}
}

func TestTruncateExactFit(t *testing.T) {
	content := strings.Repeat("abcdefghij", 500)
	for _, target := range []int{30, 100, 257, 1000} {
		opts := Options{TargetTokens: target, Indicator: "\n...\n", FrontRatio: 0.3}
		counter := &runeCounter{}
		res, err := Truncate(context.Background(), counter, content, opts)
		if err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		if !res.Truncated {
			t.Fatalf("target %d: expected truncation", target)
		}
		n, _ := counter.Tokenize(context.Background(), res.Content)
		if n != target {
			t.Fatalf("target %d: result has %d tokens, want the largest fit", target, n)
		}
		assertShape(t, content, res.Content, opts.Indicator)
	}
}

func TestTruncateCoarseGap(t *testing.T) {
	content := strings.Repeat("0123456789", 1000)
	opts := Options{TargetTokens: 4096, Indicator: "[...]", FrontRatio: 0.3, CoarseGap: 16}

	exact := &runeCounter{}
	if _, err := Truncate(context.Background(), exact, content, Options{TargetTokens: 4096, Indicator: "[...]", FrontRatio: 0.3}); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	coarse := &runeCounter{}
	res, err := Truncate(context.Background(), coarse, content, opts)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n := utf8.RuneCountInString(res.Content)
	if n > opts.TargetTokens+opts.CoarseGap {
		t.Fatalf("result has %d tokens, budget %d + gap %d", n, opts.TargetTokens, opts.CoarseGap)
	}
	if coarse.calls > exact.calls {
		t.Fatalf("coarse search probed %d times, exact %d", coarse.calls, exact.calls)
	}
	assertShape(t, content, res.Content, opts.Indicator)
}

func TestTruncateFrontRatio(t *testing.T) {
	content := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	opts := Options{TargetTokens: 103, Indicator: "...", FrontRatio: 0.3}
	res, err := Truncate(context.Background(), &runeCounter{}, content, opts)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	want := strings.Repeat("a", 30) + "..." + strings.Repeat("z", 70)
	if res.Content != want {
		t.Fatalf("got %q, want %q", res.Content, want)
	}
}

func TestTruncateClampsOptions(t *testing.T) {
	content := strings.Repeat("b", 200)
	opts := Options{TargetTokens: 20, Indicator: "~", FrontRatio: 7, CoarseGap: 1000}
	res, err := Truncate(context.Background(), &runeCounter{}, content, opts)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	// gap clamps to 10, so the result stays within 30 tokens
	if n := utf8.RuneCountInString(res.Content); n > 30 {
		t.Fatalf("result has %d tokens", n)
	}
	if !strings.HasSuffix(res.Content, "~") {
		t.Fatalf("front ratio above 1 should keep only the start, got %q", res.Content)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	content := strings.Repeat("héllo wörld ", 200)
	res, err := Truncate(context.Background(), &runeCounter{}, content, Options{TargetTokens: 51, Indicator: "…", FrontRatio: 0.5})
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if !utf8.ValidString(res.Content) {
		t.Fatalf("truncation split a rune: %q", res.Content)
	}
	assertShape(t, content, res.Content, "…")
}

func TestTruncateUnsupportedCounterUsesHeuristic(t *testing.T) {
	content := strings.Repeat("y", 5000)
	opts := Options{TargetTokens: 100, Indicator: "\n[cut]\n", FrontRatio: 0.3}
	res, err := Truncate(context.Background(), unsupportedCounter{}, content, opts)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if n := EstimateTokens(res.Content); n > 100 {
		t.Fatalf("estimated %d tokens, want <= 100", n)
	}
	assertShape(t, content, res.Content, opts.Indicator)
}

func TestTruncateUnsupportedCounterKeepsShortContent(t *testing.T) {
	content := "total 0\ndrwxr-xr-x 2 user user 40 ."
	res, err := Truncate(context.Background(), unsupportedCounter{}, content, DefaultOptions(100))
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if res.Truncated || res.Content != content {
		t.Fatalf("short content was changed: %+v", res)
	}
}

func TestTruncateIndicatorOverBudget(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("z", 50)
	opts := Options{TargetTokens: 5, Indicator: "[...truncated...]", FrontRatio: 0.3}
	res, err := Truncate(context.Background(), &runeCounter{}, content, opts)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if res.Content != "azzzz" {
		t.Fatalf("content = %q, want the cut without the indicator", res.Content)
	}
}

func TestTruncateCounterFailure(t *testing.T) {
	_, err := Truncate(context.Background(), brokenCounter{}, "anything", DefaultOptions(1))
	if err == nil {
		t.Fatalf("expected counter error")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"ééééé", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
