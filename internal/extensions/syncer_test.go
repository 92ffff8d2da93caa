package extensions

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func writeExtension(t *testing.T, root, userID, dir, name, content string) {
	t.Helper()
	path := filepath.Join(root, "users", "user_"+userID, "extensions", dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func listEntries(t *testing.T, b *Bundle) map[string]*tar.Header {
	t.Helper()
	entries := make(map[string]*tar.Header)
	tr := tar.NewReader(bytes.NewReader(b.Data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		entries[hdr.Name] = hdr
	}
	return entries
}

func TestBuildBundleManifestAndModes(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "42", "skills", "review.md", "# review")
	writeExtension(t, root, "42", "hooks", "pre-run.sh", "#!/bin/sh\nexit 0\n")

	s := NewSyncer(root, testLogger(t))
	b, err := s.BuildBundle("42")
	require.NoError(t, err)

	assert.Equal(t, []string{"skills", "hooks"}, b.Manifest)
	assert.False(t, b.Empty())

	entries := listEntries(t, b)
	require.Contains(t, entries, "skills/review.md")
	require.Contains(t, entries, "hooks/pre-run.sh")

	assert.EqualValues(t, 0644, entries["skills/review.md"].Mode)
	assert.EqualValues(t, 0755, entries["hooks/pre-run.sh"].Mode)
}

func TestBuildBundleDeterministic(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "7", "commands", "b.md", "b")
	writeExtension(t, root, "7", "commands", "a.md", "a")
	writeExtension(t, root, "7", "agents", "helper.md", "h")

	s := NewSyncer(root, testLogger(t))

	first, err := s.BuildBundle("7")
	require.NoError(t, err)
	second, err := s.BuildBundle("7")
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)

	// Ownership and timestamps are fixed so the archive survives
	// cross-host transfer unchanged.
	for name, hdr := range listEntries(t, first) {
		assert.Zero(t, hdr.Uid, name)
		assert.Zero(t, hdr.Gid, name)
		assert.EqualValues(t, 0, hdr.ModTime.Unix(), name)
	}
}

func TestBuildBundleMissingDirectories(t *testing.T) {
	s := NewSyncer(t.TempDir(), testLogger(t))

	b, err := s.BuildBundle("nobody")
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.Empty(t, b.Manifest)
}

func TestBuildBundleSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "9", "skills", "real.md", "ok")

	outside := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0600))
	link := filepath.Join(root, "users", "user_9", "extensions", "skills", "link.md")
	require.NoError(t, os.Symlink(outside, link))

	s := NewSyncer(root, testLogger(t))
	b, err := s.BuildBundle("9")
	require.NoError(t, err)

	entries := listEntries(t, b)
	assert.Contains(t, entries, "skills/real.md")
	assert.NotContains(t, entries, "skills/link.md")
}
