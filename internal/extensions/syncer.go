// Package extensions packages user-scoped agent extensions (skills,
// agents, commands, hooks, knowledge) into a tar bundle injected into
// freshly created containers.
package extensions

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// Directories included in the bundle, in archive order.
var bundleDirs = []string{"skills", "agents", "commands", "hooks", "knowledge"}

const (
	fileMode = 0644
	dirMode  = 0755
	// Hook scripts must be executable inside the container.
	hookMode = 0755
)

// Bundle is a built extension archive plus the manifest of directories
// that contributed files.
type Bundle struct {
	Data     []byte
	Manifest []string
}

// Reader returns a fresh reader over the archive bytes.
func (b *Bundle) Reader() io.Reader {
	return bytes.NewReader(b.Data)
}

// Empty reports whether no directory contributed any file.
func (b *Bundle) Empty() bool {
	return len(b.Manifest) == 0
}

// Syncer builds extension bundles from a host directory tree.
type Syncer struct {
	root   string // host directory holding per-user extension dirs
	logger *logger.Logger
}

// NewSyncer creates a Syncer rooted at the given host directory.
func NewSyncer(root string, log *logger.Logger) *Syncer {
	return &Syncer{root: root, logger: log}
}

// BuildBundle packages the user's extension directories into a
// deterministic tar archive: entries sorted by path, fixed timestamps and
// ownership, no extended attributes. Missing directories are skipped.
func (s *Syncer) BuildBundle(userID string) (*Bundle, error) {
	userRoot := filepath.Join(s.root, "users", "user_"+userID, "extensions")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var manifest []string
	for _, dir := range bundleDirs {
		src := filepath.Join(userRoot, dir)
		added, err := addDir(tw, src, dir)
		if err != nil {
			tw.Close()
			return nil, err
		}
		if added {
			manifest = append(manifest, dir)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	s.logger.Debug("Extension bundle built",
		zap.String("user_id", userID),
		zap.Strings("manifest", manifest),
		zap.Int("size", buf.Len()))

	return &Bundle{Data: buf.Bytes(), Manifest: manifest}, nil
}

// addDir walks src and writes its files under prefix in the archive.
// Returns whether any file was added.
func addDir(tw *tar.Writer, src, prefix string) (bool, error) {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}

	var paths []string
	err = filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Symlinks are skipped: they may point outside the bundle root.
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return false, err
	}
	sort.Strings(paths)

	added := false
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return added, err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return added, err
		}
		name := prefix
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(prefix, rel))
		}

		hdr := &tar.Header{
			Name: name,
			// Fixed metadata keeps the archive byte-identical across
			// builds and hosts.
			ModTime: time.Unix(0, 0),
			Uid:     0,
			Gid:     0,
		}

		if fi.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = dirMode
			if err := tw.WriteHeader(hdr); err != nil {
				return added, err
			}
			continue
		}

		hdr.Typeflag = tar.TypeReg
		hdr.Size = fi.Size()
		hdr.Mode = fileMode
		if strings.HasPrefix(name, "hooks/") {
			hdr.Mode = hookMode
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return added, err
		}

		f, err := os.Open(path)
		if err != nil {
			return added, err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return added, err
		}
		added = true
	}

	return added, nil
}
