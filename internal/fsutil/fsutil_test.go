// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfineRelPath(t *testing.T) {
	root := t.TempDir()

	cases := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"plain file", "frag-0001.m4a", false},
		{"nested", "stream1/audio/frag-0001.m4a", false},
		{"dotdot prefix", "../escape.m4a", true},
		{"dotdot deep", "a/../../escape.m4a", true},
		{"absolute", "/etc/passwd", true},
		{"backslash", `a\b.m4a`, true},
		{"folded inside", "a/../b.m4a", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ConfineRelPath(root, tc.target)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, filepath.IsAbs(got))
		})
	}
}

func TestConfineRelPathSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink semantics differ on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "leak")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ConfineRelPath(root, "leak/frag.m4a")
	require.Error(t, err)
}

func TestConfineAbsPath(t *testing.T) {
	root := t.TempDir()

	ok, err := ConfineAbsPath(root, filepath.Join(root, "sub", "frag.m4a"))
	require.NoError(t, err)
	require.Contains(t, ok, "frag.m4a")

	_, err = ConfineAbsPath(root, "/etc/passwd")
	require.Error(t, err)

	_, err = ConfineAbsPath(root, "relative/frag.m4a")
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frag-0001.m4a")

	require.NoError(t, WriteFileAtomic(path, []byte("aac payload"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "aac payload", string(data))

	// Overwrite replaces content in one step.
	require.NoError(t, WriteFileAtomic(path, []byte("dubbed"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "dubbed", string(data))

	// No temp file debris left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIsRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.m4a")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, IsRegularFile(path))
	require.Error(t, IsRegularFile(dir))
	require.Error(t, IsRegularFile(filepath.Join(dir, "missing")))
}

func TestSiblingPath(t *testing.T) {
	require.Equal(t, filepath.Join("a", "b", "frag.dubbed.m4a"),
		SiblingPath(filepath.Join("a", "b", "frag.m4a"), "dubbed"))
	require.Equal(t, "frag.dubbed.m4a", SiblingPath("frag.m4a", "dubbed"))
}

func TestRemoveQuiet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, RemoveQuiet(path))
	require.NoError(t, RemoveQuiet(path))
}
