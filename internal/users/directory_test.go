package users

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"roomcast/internal/models"
)

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	dir, err := NewDirectory(path, opts...)
	if err != nil {
		t.Fatalf("NewDirectory error: %v", err)
	}
	return dir, path
}

func TestResolveCreatesOnFirstSight(t *testing.T) {
	dir, _ := newTestDirectory(t)

	user, err := dir.Resolve("Ana")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if user.UserID == "" || user.Username != "Ana" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.SystemRole != models.SystemRoleUser {
		t.Fatalf("expected default role, got %q", user.SystemRole)
	}
}

func TestResolveUnicodeAndCasingVariantsShareAccount(t *testing.T) {
	dir, _ := newTestDirectory(t)

	first, err := dir.Resolve("Ana")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	variants := []string{"ana", "  ANA  ", "Ａｎａ"}
	for _, variant := range variants {
		got, err := dir.Resolve(variant)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", variant, err)
		}
		if got.UserID != first.UserID {
			t.Fatalf("variant %q produced a different account: %q vs %q", variant, got.UserID, first.UserID)
		}
		if got.Username != "Ana" {
			t.Fatalf("variant %q overwrote the stored display name: %q", variant, got.Username)
		}
	}
}

func TestResolveRejectsInvalidNames(t *testing.T) {
	dir, _ := newTestDirectory(t)
	for _, name := range []string{"", "   ", string(make([]byte, 100))} {
		if _, err := dir.Resolve(name); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("Resolve(%q) expected ErrInvalidUsername, got %v", name, err)
		}
	}
}

func TestAllowListBlocksUnknownNames(t *testing.T) {
	dir, _ := newTestDirectory(t, WithAllowList([]string{"Ana", "Bo"}))

	if _, err := dir.Resolve("ANA"); err != nil {
		t.Fatalf("allow-listed variant rejected: %v", err)
	}
	if _, err := dir.Resolve("mallory"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestAssignRole(t *testing.T) {
	dir, _ := newTestDirectory(t)
	if _, err := dir.Resolve("Ana"); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	user, err := dir.AssignRole("ana", models.SystemRoleHost)
	if err != nil {
		t.Fatalf("AssignRole error: %v", err)
	}
	if user.SystemRole != models.SystemRoleHost {
		t.Fatalf("role not assigned: %+v", user)
	}
	if !user.SystemRole.CanHost() {
		t.Fatalf("host role should grant hosting")
	}

	if _, err := dir.AssignRole("nobody", models.SystemRoleHost); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := dir.AssignRole("ana", models.SystemRole("emperor")); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func TestDirectoryPersistsAcrossReopen(t *testing.T) {
	dir, path := newTestDirectory(t)
	created, err := dir.Resolve("Ana")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if _, err := dir.AssignRole("Ana", models.SystemRoleAdmin); err != nil {
		t.Fatalf("AssignRole error: %v", err)
	}

	reopened, err := NewDirectory(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	user, ok := reopened.Lookup("ana")
	if !ok {
		t.Fatalf("account lost across reopen")
	}
	if user.UserID != created.UserID || user.SystemRole != models.SystemRoleAdmin {
		t.Fatalf("unexpected reloaded account: %+v", user)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read directory file: %v", err)
	}
	var onDisk map[string]models.GlobalUser
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("directory file is not valid JSON: %v", err)
	}
	if _, ok := onDisk["ana"]; !ok {
		t.Fatalf("expected normalized key on disk, got %v", onDisk)
	}
}

func TestDeriveUserIDStable(t *testing.T) {
	a := DeriveUserID("ana")
	b := DeriveUserID("ana")
	if a != b {
		t.Fatalf("user id derivation is not deterministic: %q vs %q", a, b)
	}
	if len(a) != userIDLength {
		t.Fatalf("unexpected id length %d", len(a))
	}
	if DeriveUserID("bo") == a {
		t.Fatalf("distinct names collided")
	}
}
