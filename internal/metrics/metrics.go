// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"math"
)

// CharsPerWord is the standard word length used for typing speed.
const CharsPerWord = 5

// WPM returns words per minute for charsTyped characters over elapsedMs milliseconds.
// Negative inputs are clamped to zero, so the result is never negative.
func WPM(charsTyped int, elapsedMs int64) int {
	if charsTyped < 0 {
		charsTyped = 0
	}
	if elapsedMs <= 0 {
		return 0
	}
	words := float64(charsTyped) / CharsPerWord
	minutes := float64(elapsedMs) / 60000
	return int(math.Round(words / minutes))
}

// Accuracy returns the percentage of correct keystrokes, 100 when nothing was typed.
// errors is clamped into [0, total].
func Accuracy(errors, total int) int {
	if total <= 0 {
		return 100
	}
	if errors < 0 {
		errors = 0
	}
	if errors > total {
		errors = total
	}
	return int(math.Round(float64(total-errors) / float64(total) * 100))
}

// FormatDuration renders ms as "Ns" below one minute and "M:SS" otherwise.
// Partial seconds are dropped; negative durations render as "0s".
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	minutes := seconds / 60
	rem := seconds % 60
	if minutes > 0 {
		return fmt.Sprintf("%d:%02d", minutes, rem)
	}
	return fmt.Sprintf("%ds", rem)
}
