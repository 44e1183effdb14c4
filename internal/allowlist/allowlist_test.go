package allowlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseList(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "commas", input: "a,b,c", want: []string{"a", "b", "c"}},
		{name: "commas with spaces", input: "a, b, c", want: []string{"a", "b", "c"}},
		{name: "mixed separators", input: "a b\tc\nd", want: []string{"a", "b", "c", "d"}},
		{name: "empty", input: "", want: nil},
		{name: "only separators", input: " , ,\t", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseList(tc.input))
		})
	}
}

func TestStaticAllowlist(t *testing.T) {
	t.Run("empty set allows everyone", func(t *testing.T) {
		a := New(nil, zap.NewNop())
		assert.True(t, a.Allowed("anyone"))
		assert.Equal(t, 0, a.Size())
	})

	t.Run("non-empty set restricts", func(t *testing.T) {
		a := New([]string{"agent-1", "agent-2"}, zap.NewNop())
		assert.True(t, a.Allowed("agent-1"))
		assert.True(t, a.Allowed("agent-2"))
		assert.False(t, a.Allowed("agent-3"))
		assert.Equal(t, 2, a.Size())
	})

	t.Run("reload is a no-op", func(t *testing.T) {
		a := New([]string{"agent-1"}, zap.NewNop())
		require.NoError(t, a.Reload())
		assert.True(t, a.Allowed("agent-1"))
		assert.False(t, a.Allowed("other"))
	})
}

func TestFileAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")

	content := "# permitted agents\nagent-1\n\n  agent-2  \n# trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	a, err := NewFromFile(path, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, a.Allowed("agent-1"))
	assert.True(t, a.Allowed("agent-2"))
	assert.False(t, a.Allowed("# permitted agents"))
	assert.False(t, a.Allowed("agent-3"))
	assert.Equal(t, 2, a.Size())
}

func TestFileAllowlistMissingFileAllowsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.txt")

	a, err := NewFromFile(path, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, a.Allowed("anyone"))
	assert.Equal(t, 0, a.Size())
}

func TestFileAllowlistReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("agent-1\n"), 0o644))

	a, err := NewFromFile(path, zap.NewNop())
	require.NoError(t, err)
	require.True(t, a.Allowed("agent-1"))
	require.False(t, a.Allowed("agent-2"))

	t.Run("edit swaps the set", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("agent-2\n"), 0o644))
		require.NoError(t, a.Reload())
		assert.False(t, a.Allowed("agent-1"))
		assert.True(t, a.Allowed("agent-2"))
	})

	t.Run("removal resets to allow-all", func(t *testing.T) {
		require.NoError(t, os.Remove(path))
		require.NoError(t, a.Reload())
		assert.True(t, a.Allowed("agent-1"))
		assert.True(t, a.Allowed("anyone"))
		assert.Equal(t, 0, a.Size())
	})
}

func TestFileAllowlistWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("agent-1\n"), 0o644))

	a, err := NewFromFile(path, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("agent-1\nagent-2\n"), 0o644))

	assert.Eventually(t, func() bool {
		return a.Allowed("agent-2")
	}, 3*time.Second, 25*time.Millisecond, "file edit should be picked up without a restart")
}

func TestWatchWithoutFileIsNoop(t *testing.T) {
	a := New([]string{"agent-1"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, a.Watch(ctx))
}
