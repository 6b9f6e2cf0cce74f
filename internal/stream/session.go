package stream

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Session is one prepared broadcast working set: a private directory
// holding the playback files in order plus the concat manifest ffmpeg
// consumes. The directory is disposable and removed when the broadcast
// ends.
type Session struct {
	ID       string
	Dir      string
	Playlist string
	Files    []string
}

// NewSession materialises a session directory from the ordered source
// paths. Sources are hard-linked into the directory when the filesystem
// allows it and copied otherwise, so deleting a cached source mid-broadcast
// cannot disturb playback.
func NewSession(workDir string, sources []string) (*Session, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one playback file is required")
	}
	id := uuid.NewString()
	dir := filepath.Join(workDir, "session-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(dir)
		}
	}()

	files := make([]string, 0, len(sources))
	for i, src := range sources {
		name := fmt.Sprintf("%04d%s", i, normalizeExt(src))
		dst := filepath.Join(dir, name)
		if err := linkOrCopy(src, dst); err != nil {
			return nil, fmt.Errorf("stage playback file %q: %w", src, err)
		}
		files = append(files, dst)
	}

	playlist := filepath.Join(dir, "playlist.txt")
	if err := writePlaylist(playlist, files); err != nil {
		return nil, err
	}

	success = true
	return &Session{ID: id, Dir: dir, Playlist: playlist, Files: files}, nil
}

// Cleanup removes the session directory. Safe to call more than once.
func (s *Session) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// RemoveSessionDirs deletes every leftover session directory under the
// work dir. Only valid while no broadcast is active.
func RemoveSessionDirs(workDir string) (int, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work dir: %w", err)
	}
	removed := 0
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "session-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workDir, entry.Name())); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove session dir: %w", err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

func normalizeExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		ext = ".mp4"
	}
	return ext
}

// writePlaylist emits the ffmpeg concat manifest. Single quotes inside a
// path are escaped per the concat demuxer quoting rules.
func writePlaylist(path string, files []string) error {
	var b strings.Builder
	for _, file := range files {
		escaped := strings.ReplaceAll(file, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
