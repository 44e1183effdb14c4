// Package chunker splits context blobs into overlapping character windows
// for storage and embedding. Splitting is pure string work: no I/O, no
// failure modes, deterministic output for a given input.
package chunker

import "fmt"

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 3500

	// DefaultOverlap is the number of trailing characters repeated at the
	// start of the next chunk (15% of DefaultSize).
	DefaultOverlap = 525
)

// Config contains the chunking parameters.
type Config struct {
	Size    int // target size in characters
	Overlap int // overlap size in characters
}

// DefaultConfig returns the broker's chunking parameters.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("chunk overlap cannot be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", c.Overlap, c.Size)
	}
	return nil
}

// Chunker splits text into overlapping windows, preferring to end a window
// at a sentence boundary.
type Chunker struct {
	config Config
}

// New creates a Chunker after validating the configuration.
func New(config Config) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: config}, nil
}

// Split slices text into ordered chunks. Input at or under the target size
// comes back as a single chunk; empty input yields no chunks. Windows are
// measured in runes, not bytes, so multi-byte text never splits mid-character.
//
// Each full window ends at the latest sentence terminator (`.`, `!`, `?`)
// found past the window's midpoint, or at the hard size limit when no such
// boundary exists. The next window starts at max(prev_start+1, end−overlap),
// which guarantees forward progress and the declared overlap.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.config.Size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.config.Size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		if cut := lastSentenceEnd(runes[start:end]); cut > c.config.Size/2 {
			end = start + cut
		}
		chunks = append(chunks, string(runes[start:end]))

		next := end - c.config.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// Split chunks text with the default configuration.
func Split(text string) []string {
	c, _ := New(DefaultConfig())
	return c.Split(text)
}

// lastSentenceEnd returns the cut position just after the latest sentence
// terminator in the window, or -1 if the window contains none.
func lastSentenceEnd(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return -1
}
