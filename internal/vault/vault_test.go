package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

func TestVault_CreateReadDelete(t *testing.T) {
	v := New(t.TempDir())

	require.NoError(t, v.Create("Events/a.md", []byte("---\ntitle: A\n---\n")))
	assert.True(t, v.Exists("Events/a.md"))

	err := v.Create("Events/a.md", []byte("x"))
	assert.True(t, errors.Is(err, ErrExists))

	data, err := v.Read("Events/a.md")
	require.NoError(t, err)
	assert.Equal(t, "---\ntitle: A\n---\n", string(data))

	require.NoError(t, v.Delete("Events/a.md"))
	assert.False(t, v.Exists("Events/a.md"))

	_, err = v.Read("Events/a.md")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(v.Delete("Events/a.md"), ErrNotFound))
}

func TestVault_RejectsEscapes(t *testing.T) {
	v := New(t.TempDir())

	for _, rel := range []string{"../x.md", "a/../../x.md", "/etc/passwd", "."} {
		_, err := v.Abs(rel)
		assert.Truef(t, errors.Is(err, ErrOutsideVault), "expected %q to be rejected", rel)
	}
}

func TestVault_WriteLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	v := New(root)

	require.NoError(t, v.Write("a.md", []byte("one")))
	require.NoError(t, v.Write("a.md", []byte("two")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(root, "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestVault_Patch(t *testing.T) {
	v := New(t.TempDir())
	original := "---\ntitle: A\nskip: true\n---\nbody\n"
	require.NoError(t, v.Write("a.md", []byte(original)))

	before, err := v.Patch("a.md", parser.Metadata{"title": "B"}, []string{"skip"})
	require.NoError(t, err)
	assert.Equal(t, original, string(before))

	data, err := v.Read("a.md")
	require.NoError(t, err)
	meta, body, err := parser.ParseFrontmatter(string(data))
	require.NoError(t, err)
	assert.Equal(t, "B", meta["title"])
	assert.NotContains(t, meta, "skip")
	assert.Equal(t, "body\n", body)

	_, err = v.Patch("missing.md", parser.Metadata{"title": "x"}, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestVault_UniquePath(t *testing.T) {
	v := New(t.TempDir())

	assert.Equal(t, "Cal/Team Sync.md", v.UniquePath("Cal/", "Team: Sync"))

	require.NoError(t, v.Write("Cal/Team Sync.md", nil))
	assert.Equal(t, "Cal/Team Sync 2.md", v.UniquePath("Cal", "Team: Sync"))

	assert.Equal(t, "Untitled.md", v.UniquePath("", "  "))
}
