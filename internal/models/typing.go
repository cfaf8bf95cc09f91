// internal/models/typing.go
package models

import (
	"encoding/json"
	"sort"
)

// ErrorSet holds the indices of mistyped characters.
// It travels over the wire as a sorted array of integers.
type ErrorSet map[int]struct{}

// NewErrorSet builds a set from the given indices.
func NewErrorSet(indices ...int) ErrorSet {
	s := make(ErrorSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

func (s ErrorSet) Add(i int) { s[i] = struct{}{} }

func (s ErrorSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

func (s ErrorSet) Len() int { return len(s) }

// Sorted returns the indices in ascending order.
func (s ErrorSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s ErrorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *ErrorSet) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	*s = NewErrorSet(indices...)
	return nil
}

// TypingState is a single typist's progress through a text, mirrored to spectators.
type TypingState struct {
	SourceText   string   `json:"sourceText"`
	CurrentIndex int      `json:"currentIndex"`
	Errors       ErrorSet `json:"errors"`
	StartTime    *int64   `json:"startTime"`
	EndTime      *int64   `json:"endTime"`
	Finished     bool     `json:"finished"`
	TypedText    string   `json:"typedText"`
}

// Clone deep-copies the state.
func (ts TypingState) Clone() TypingState {
	cp := ts
	cp.Errors = NewErrorSet(ts.Errors.Sorted()...)
	cp.StartTime = cloneMillis(ts.StartTime)
	cp.EndTime = cloneMillis(ts.EndTime)
	return cp
}
