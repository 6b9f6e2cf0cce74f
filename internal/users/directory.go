package users

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"roomcast/internal/models"
)

// ErrNotAllowed is returned when an allow-list is configured and the
// normalized username is not on it.
var ErrNotAllowed = errors.New("username not allowed")

// ErrInvalidUsername is returned when a username normalizes to the empty
// string or exceeds the length limit.
var ErrInvalidUsername = errors.New("username is invalid")

// ErrUnknownUser is returned by role assignment for a never-seen username.
var ErrUnknownUser = errors.New("unknown user")

const maxUsernameLength = 64

const userIDLength = 24

// Resolver maps a display username to its persisted global account.
type Resolver interface {
	Resolve(username string) (models.GlobalUser, error)
}

// Option mutates directory construction.
type Option func(*Directory)

// WithAllowList restricts resolution to the given usernames. Entries are
// matched after normalization, so casing and Unicode form do not matter.
func WithAllowList(names []string) Option {
	return func(d *Directory) {
		d.allow = make(map[string]struct{}, len(names))
		for _, name := range names {
			key := NormalizeUsername(name)
			if key == "" {
				continue
			}
			d.allow[key] = struct{}{}
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// Directory is the JSON-file backed account registry. First resolution of a
// username creates the account with the default role; later resolutions of
// any Unicode or casing variant return the same account.
type Directory struct {
	mu       sync.RWMutex
	filePath string
	users    map[string]models.GlobalUser
	allow    map[string]struct{}
	now      func() time.Time
}

// NewDirectory opens the directory file, creating it lazily on first write.
func NewDirectory(path string, opts ...Option) (*Directory, error) {
	d := &Directory{
		filePath: path,
		users:    make(map[string]models.GlobalUser),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// NormalizeUsername folds a display username to its canonical identity key:
// NFKC normalization followed by lower-casing and whitespace trimming.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(username)))
}

// DeriveUserID computes the stable account identifier for a normalized
// username. The identifier is content-derived so every instance agrees on it
// without coordination.
func DeriveUserID(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:userIDLength]
}

// Resolve returns the account for the username, creating it on first sight.
// The stored display name is the first variant ever seen.
func (d *Directory) Resolve(username string) (models.GlobalUser, error) {
	key := NormalizeUsername(username)
	if key == "" || len(key) > maxUsernameLength {
		return models.GlobalUser{}, ErrInvalidUsername
	}
	if d.allow != nil {
		if _, ok := d.allow[key]; !ok {
			return models.GlobalUser{}, ErrNotAllowed
		}
	}

	d.mu.RLock()
	user, ok := d.users[key]
	d.mu.RUnlock()
	if ok {
		return user, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if user, ok := d.users[key]; ok {
		return user, nil
	}
	user = models.GlobalUser{
		UserID:     DeriveUserID(key),
		Username:   strings.TrimSpace(username),
		SystemRole: models.SystemRoleUser,
		CreatedAt:  d.now().UTC(),
	}
	d.users[key] = user
	if err := d.persistLocked(); err != nil {
		delete(d.users, key)
		return models.GlobalUser{}, err
	}
	return user, nil
}

// Lookup returns the account for the username without creating one.
func (d *Directory) Lookup(username string) (models.GlobalUser, bool) {
	key := NormalizeUsername(username)
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[key]
	return user, ok
}

// AssignRole sets the system role of an existing account.
func (d *Directory) AssignRole(username string, role models.SystemRole) (models.GlobalUser, error) {
	if !role.Valid() {
		return models.GlobalUser{}, fmt.Errorf("unknown system role %q", role)
	}
	key := NormalizeUsername(username)
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[key]
	if !ok {
		return models.GlobalUser{}, fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	previous := user
	user.SystemRole = role
	d.users[key] = user
	if err := d.persistLocked(); err != nil {
		d.users[key] = previous
		return models.GlobalUser{}, err
	}
	return user, nil
}

// List returns every known account keyed by normalized username.
func (d *Directory) List() map[string]models.GlobalUser {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]models.GlobalUser, len(d.users))
	for key, user := range d.users {
		out[key] = user
	}
	return out
}

func (d *Directory) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(d.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(d.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open directory file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&d.users); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode directory file: %w", err)
	}
	if d.users == nil {
		d.users = make(map[string]models.GlobalUser)
	}
	return nil
}

func (d *Directory) persistLocked() error {
	dir := filepath.Dir(d.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "users-*.json")
	if err != nil {
		return fmt.Errorf("create temp directory file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(d.users); err != nil {
		return fmt.Errorf("encode directory file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush directory file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp directory file: %w", err)
	}

	if err := os.Rename(tmpPath, d.filePath); err != nil {
		return fmt.Errorf("replace directory file: %w", err)
	}
	success = true
	return nil
}
