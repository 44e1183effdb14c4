package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "zero size", config: Config{Size: 0, Overlap: 0}, wantErr: "size must be positive"},
		{name: "negative size", config: Config{Size: -1, Overlap: 0}, wantErr: "size must be positive"},
		{name: "negative overlap", config: Config{Size: 100, Overlap: -1}, wantErr: "cannot be negative"},
		{name: "overlap equals size", config: Config{Size: 100, Overlap: 100}, wantErr: "must be less than chunk size"},
		{name: "overlap exceeds size", config: Config{Size: 100, Overlap: 200}, wantErr: "must be less than chunk size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	c, err := New(Config{Size: 10, Overlap: 10})
	require.Error(t, err)
	assert.Nil(t, c)
}

func TestSplitSmallInputs(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	t.Run("empty input yields no chunks", func(t *testing.T) {
		assert.Nil(t, c.Split(""))
	})

	t.Run("input under the target is one chunk", func(t *testing.T) {
		text := "a short context"
		chunks := c.Split(text)
		require.Len(t, chunks, 1)
		assert.Equal(t, text, chunks[0])
	})

	t.Run("input exactly at the target is one chunk", func(t *testing.T) {
		text := strings.Repeat("x", DefaultSize)
		chunks := c.Split(text)
		require.Len(t, chunks, 1)
		assert.Equal(t, text, chunks[0])
	})
}

func TestSplitHardCut(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	t.Run("one character over the target", func(t *testing.T) {
		text := varied(DefaultSize + 1)
		chunks := c.Split(text)
		require.Len(t, chunks, 2)

		// No sentence terminator anywhere, so the first window is a hard cut
		// at the full size and the second starts one overlap back.
		assert.Equal(t, DefaultSize, utf8.RuneCountInString(chunks[0]))
		assert.Equal(t, DefaultOverlap+1, utf8.RuneCountInString(chunks[1]))
		assert.Equal(t, text[:DefaultSize], chunks[0])
		assert.Equal(t, text[DefaultSize-DefaultOverlap:], chunks[1])
	})

	t.Run("two windows cover the remainder", func(t *testing.T) {
		text := varied(4025)
		chunks := c.Split(text)
		require.Len(t, chunks, 2)
		assert.Equal(t, 3500, utf8.RuneCountInString(chunks[0]))
		assert.Equal(t, 1050, utf8.RuneCountInString(chunks[1]))
	})
}

func TestSplitOverlapContent(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	text := varied(DefaultSize + 1)
	chunks := c.Split(text)
	require.Len(t, chunks, 2)

	// The second chunk must begin with the tail of the first.
	tail := chunks[0][len(chunks[0])-DefaultOverlap:]
	assert.Equal(t, tail, chunks[1][:DefaultOverlap])
}

func TestSplitSentenceBoundary(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	t.Run("terminator past the midpoint ends the window", func(t *testing.T) {
		// '.' at index 3000: cut position 3001, past the 1750 midpoint.
		text := strings.Repeat("a", 3000) + "." + strings.Repeat("b", 999)
		chunks := c.Split(text)
		require.Len(t, chunks, 2)

		assert.Equal(t, 3001, utf8.RuneCountInString(chunks[0]))
		assert.True(t, strings.HasSuffix(chunks[0], "."))
		// Next window starts 525 back from the cut: 3001-525 = 2476.
		assert.Equal(t, 4000-2476, utf8.RuneCountInString(chunks[1]))
	})

	t.Run("terminator before the midpoint is ignored", func(t *testing.T) {
		// '.' at index 1000: cut position 1001, not past 1750, so the window
		// hard-cuts at the full size.
		text := strings.Repeat("a", 1000) + "." + strings.Repeat("b", 2600)
		chunks := c.Split(text)
		require.Len(t, chunks, 2)
		assert.Equal(t, DefaultSize, utf8.RuneCountInString(chunks[0]))
	})

	t.Run("latest terminator wins", func(t *testing.T) {
		// Terminators at 2000 and 3200; the window ends after the later one.
		text := strings.Repeat("a", 2000) + "!" + strings.Repeat("b", 1199) + "?" + strings.Repeat("c", 800)
		chunks := c.Split(text)
		require.GreaterOrEqual(t, len(chunks), 2)
		assert.Equal(t, 3201, utf8.RuneCountInString(chunks[0]))
		assert.True(t, strings.HasSuffix(chunks[0], "?"))
	})
}

func TestSplitMidpointEdge(t *testing.T) {
	// Size 10 puts the midpoint at 5: a cut position must be strictly greater
	// to count as a sentence boundary.
	c, err := New(Config{Size: 10, Overlap: 3})
	require.NoError(t, err)

	t.Run("cut at the midpoint is ignored", func(t *testing.T) {
		chunks := c.Split("abcd.fghijklmno") // '.' at 4, cut 5
		require.NotEmpty(t, chunks)
		assert.Equal(t, "abcd.fghij", chunks[0])
	})

	t.Run("cut one past the midpoint is honored", func(t *testing.T) {
		chunks := c.Split("abcde.ghijklmno") // '.' at 5, cut 6
		require.NotEmpty(t, chunks)
		assert.Equal(t, "abcde.", chunks[0])
	})
}

func TestSplitForwardProgress(t *testing.T) {
	// Overlap nearly as large as the window plus an early sentence cut force
	// the next-start guard: progress must still be at least one rune.
	c, err := New(Config{Size: 4, Overlap: 3})
	require.NoError(t, err)

	text := "ab.cdefgh"
	chunks := c.Split(text)

	expected := []string{"ab.", "b.cd", ".cde", "cdef", "defg", "efgh"}
	assert.Equal(t, expected, chunks)

	for i, chunk := range chunks {
		assert.NotEmpty(t, chunk, "chunk %d", i)
	}
	assert.True(t, strings.HasSuffix(text, chunks[len(chunks)-1]),
		"the final chunk must reach the end of the input")
}

func TestSplitMultiByteRunes(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	// Windows are rune counts: 3501 two-byte runes split exactly like 3501
	// ASCII characters, and no chunk may break a rune in half.
	text := strings.Repeat("ü", DefaultSize+1)
	chunks := c.Split(text)
	require.Len(t, chunks, 2)

	assert.Equal(t, DefaultSize, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, DefaultOverlap+1, utf8.RuneCountInString(chunks[1]))
	for i, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk %d is not valid UTF-8", i)
	}
}

func TestPackageSplitUsesDefaults(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	text := varied(DefaultSize + 1)
	assert.Equal(t, c.Split(text), Split(text))
	assert.Nil(t, Split(""))
}

// varied builds a deterministic string with no sentence terminators whose
// characters differ by position, so overlap assertions compare real content.
func varied(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}
