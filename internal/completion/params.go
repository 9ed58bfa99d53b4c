package completion

import (
	"fmt"
	"log/slog"
)

// ParamsFromMap converts a free-form parameter map, as found in endpoint
// settings, into Params. Keys without a dedicated field land in Extra.
func ParamsFromMap(m map[string]any) (Params, error) {
	var p Params
	for key, val := range m {
		switch key {
		case "temperature":
			f, err := toFloat(val)
			if err != nil {
				return Params{}, fmt.Errorf("param %s: %w", key, err)
			}
			p.Temperature = &f
		case "top_p":
			f, err := toFloat(val)
			if err != nil {
				return Params{}, fmt.Errorf("param %s: %w", key, err)
			}
			p.TopP = &f
		case "max_tokens", "n_predict", "num_predict":
			f, err := toFloat(val)
			if err != nil {
				return Params{}, fmt.Errorf("param %s: %w", key, err)
			}
			p.MaxTokens = int(f)
		case "stop":
			stops, err := toStrings(val)
			if err != nil {
				return Params{}, fmt.Errorf("param %s: %w", key, err)
			}
			p.Stop = stops
		case "stream":
			b, ok := val.(bool)
			if !ok {
				return Params{}, fmt.Errorf("param %s: expected bool, got %T", key, val)
			}
			p.Stream = b
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = val
		}
	}
	return p, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}

// CapStops keeps the last max entries of stops in their original order.
// The boolean reports whether anything was dropped.
func CapStops(stops []string, max int) ([]string, bool) {
	if max <= 0 || len(stops) <= max {
		return stops, false
	}
	kept := make([]string, max)
	copy(kept, stops[len(stops)-max:])
	return kept, true
}

func capStopsWithWarning(logger *slog.Logger, provider string, stops []string, max int) []string {
	kept, dropped := CapStops(stops, max)
	if dropped {
		logger.Warn("too many stop sequences, using only the last few",
			"provider", provider,
			"max", max,
			"requested", len(stops),
		)
	}
	return kept
}
