package stream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path
}

func TestNewSessionPreservesOrder(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	a := writeSource(t, srcDir, "a.mp4", "aaa")
	b := writeSource(t, srcDir, "b.mp4", "bbb")
	c := writeSource(t, srcDir, "c.mp4", "ccc")

	session, err := NewSession(workDir, []string{a, b, c})
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	defer session.Cleanup()

	if len(session.Files) != 3 {
		t.Fatalf("expected 3 staged files, got %d", len(session.Files))
	}
	for i, path := range session.Files {
		base := filepath.Base(path)
		if !strings.HasPrefix(base, "000") {
			t.Fatalf("staged name %q is not zero padded", base)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read staged file: %v", err)
		}
		want := []string{"aaa", "bbb", "ccc"}[i]
		if string(content) != want {
			t.Fatalf("file %d holds %q, want %q", i, content, want)
		}
	}

	manifest, err := os.ReadFile(session.Playlist)
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(manifest)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 manifest lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, "file '") || !strings.HasSuffix(line, "'") {
			t.Fatalf("manifest line %d is not quoted: %q", i, line)
		}
		if !strings.Contains(line, filepath.Base(session.Files[i])) {
			t.Fatalf("manifest line %d out of order: %q", i, line)
		}
	}
}

func TestPlaylistEscapesSingleQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlist.txt")
	if err := writePlaylist(path, []string{"/media/it's here.mp4"}); err != nil {
		t.Fatalf("writePlaylist error: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	want := `file '/media/it'\''s here.mp4'` + "\n"
	if string(content) != want {
		t.Fatalf("playlist escaping mismatch:\n got %q\nwant %q", content, want)
	}
}

func TestNewSessionRejectsEmptySources(t *testing.T) {
	if _, err := NewSession(t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for empty source list")
	}
}

func TestSessionCleanupIdempotent(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	src := writeSource(t, srcDir, "a.mp4", "aaa")

	session, err := NewSession(workDir, []string{src})
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	if err := session.Cleanup(); err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if err := session.Cleanup(); err != nil {
		t.Fatalf("second Cleanup error: %v", err)
	}
	if _, err := os.Stat(session.Dir); !os.IsNotExist(err) {
		t.Fatalf("session dir survived cleanup")
	}
}

func TestRemoveSessionDirs(t *testing.T) {
	workDir := t.TempDir()
	for _, name := range []string{"session-one", "session-two"} {
		if err := os.MkdirAll(filepath.Join(workDir, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(workDir, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	removed, err := RemoveSessionDirs(workDir)
	if err != nil {
		t.Fatalf("RemoveSessionDirs error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(workDir, "keep")); err != nil {
		t.Fatalf("unrelated dir removed: %v", err)
	}
}
