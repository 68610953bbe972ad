// Package stream reveals assistant answers progressively. The presenter consumes a sequence of text
// deltas and republishes the growing prefix on a fixed cadence; Words turns an already complete answer
// into such a sequence, and a real token stream can be plugged in unchanged.
package stream

import (
	"context"
	"iter"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultSettle keeps the "thinking" indicator visible before the first word is shown.
	DefaultSettle = 300 * time.Millisecond
	// DefaultInterval is the pause between two reveal steps, about 33 words per second.
	DefaultInterval = 30 * time.Millisecond
)

// Presenter publishes growing prefixes of a text. The zero value reveals without any delay.
type Presenter struct {
	Settle   time.Duration
	Interval time.Duration
}

// NewPresenter returns a Presenter with the default cadence.
func NewPresenter() Presenter {
	return Presenter{
		Settle:   DefaultSettle,
		Interval: DefaultInterval,
	}
}

// Words splits text on runs of whitespace and yields each word as a delta, together with the whitespace
// that precedes it, so concatenating the deltas reproduces text exactly.
func Words(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := 0
		inWord := false
		for i, r := range text {
			space := unicode.IsSpace(r)
			if space && inWord {
				if !yield(text[start:i]) {
					return
				}
				start = i
			}
			inWord = !space
		}
		if start < len(text) {
			yield(text[start:])
		}
	}
}

// Reveal appends each delta from src to a prefix and hands the prefix to publish, pausing Interval
// after every publish. Prefixes that are empty after trimming are neither published nor waited on.
// Reveal returns the complete text, or the prefix so far and the context error when ctx is done.
func (p Presenter) Reveal(ctx context.Context, src iter.Seq[string], publish func(string)) (string, error) {
	var sb strings.Builder

	if err := sleep(ctx, p.Settle); err != nil {
		return "", err
	}

	for delta := range src {
		sb.WriteString(delta)
		prefix := sb.String()
		if strings.TrimSpace(prefix) == "" {
			continue
		}

		publish(prefix)

		if err := sleep(ctx, p.Interval); err != nil {
			return prefix, err
		}
	}

	return sb.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
