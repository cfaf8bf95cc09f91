// internal/texts/texts.go
package texts

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var builtin = []string{
	"The quick brown fox jumps over the lazy dog while the cat watches from the warm windowsill.",
	"Practice does not make perfect. Only perfect practice makes perfect, so slow down and type every letter with care.",
	"A journey of a thousand miles begins with a single step, and a race of a thousand keystrokes begins with the first.",
	"Programs must be written for people to read, and only incidentally for machines to execute.",
	"The best way to predict the future is to invent it, one small and careful experiment at a time.",
	"Clear is better than clever. A little copying is better than a little dependency.",
	"She sells sea shells by the sea shore, and the shells she sells are surely seashells.",
	"Typing quickly is a skill built from rhythm and accuracy rather than from raw speed alone.",
}

// Pack is the YAML layout of a text pack file.
type Pack struct {
	Texts []Passage `yaml:"texts"`
}

type Passage struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

// Library hands out passages for new sessions.
type Library struct {
	mu       sync.Mutex
	rng      *rand.Rand
	passages []string
}

// New builds a library from the given passages. Whitespace is collapsed and blank
// passages are skipped.
func New(passages ...string) *Library {
	l := &Library{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for _, p := range passages {
		if n := normalize(p); n != "" {
			l.passages = append(l.passages, n)
		}
	}
	return l
}

// Default is the built-in library.
func Default() *Library {
	return New(builtin...)
}

// LoadFile returns the built-in passages plus those in the YAML pack at path.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read text pack %s: %w", path, err)
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse text pack %s: %w", path, err)
	}
	all := append([]string(nil), builtin...)
	for _, p := range pack.Texts {
		all = append(all, p.Text)
	}
	return New(all...), nil
}

// Random returns one passage. An empty library falls back to the first built-in text.
func (l *Library) Random() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.passages) == 0 {
		return builtin[0]
	}
	return l.passages[l.rng.Intn(len(l.passages))]
}

func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.passages)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
