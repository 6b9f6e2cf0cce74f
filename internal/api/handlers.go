package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"roomcast/internal/cache"
	"roomcast/internal/models"
	"roomcast/internal/stream"
	"roomcast/internal/users"
)

const maxUploadMemory = 64 << 20

var errFingerprintMismatch = errors.New("uploaded bytes do not match fingerprint")

// Handler owns the HTTP control surface: room websocket, admin channel,
// broadcast control, and cache administration.
type Handler struct {
	Controller *stream.Controller
	Cache      *cache.Cache
	Catalog    cache.Catalog
	Rooms      roomGateway
	Admin      *AdminHub
	Directory  *users.Directory
	Auditor    *stream.Auditor
	Logger     *slog.Logger
	// AdminSecret guards every /stream and /admin endpoint.
	AdminSecret string
	// WorkDir holds upload staging files and broadcast session dirs.
	WorkDir string
	// VerifyUploads rejects uploads whose bytes do not hash to the
	// client-supplied fingerprint.
	VerifyUploads bool
}

// roomGateway is the slice of the room hub the HTTP layer needs.
type roomGateway interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/ws", h.RoomWebsocket)
	mux.HandleFunc("/ws/admin", requireAdmin(h.AdminSecret, h.AdminWebsocket))
	mux.HandleFunc("/stream/start", requireAdmin(h.AdminSecret, h.StreamStart))
	mux.HandleFunc("/stream/stop", requireAdmin(h.AdminSecret, h.StreamStop))
	mux.HandleFunc("/stream/check", requireAdmin(h.AdminSecret, h.StreamCheck))
	mux.HandleFunc("/stream/cache", requireAdmin(h.AdminSecret, h.StreamCache))
	mux.HandleFunc("/stream/cache/delete", requireAdmin(h.AdminSecret, h.StreamCacheDelete))
	mux.HandleFunc("/stream/status", requireAdmin(h.AdminSecret, h.StreamStatus))
	mux.HandleFunc("/stream/log", requireAdmin(h.AdminSecret, h.StreamLog))
	mux.HandleFunc("/admin/cleanup-transcode", requireAdmin(h.AdminSecret, h.CleanupTranscode))
	mux.HandleFunc("/admin/users/role", requireAdmin(h.AdminSecret, h.AssignRole))
	return mux
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RoomWebsocket hands the connection to the room hub.
func (h *Handler) RoomWebsocket(w http.ResponseWriter, r *http.Request) {
	h.Rooms.HandleConnection(w, r)
}

// AdminWebsocket hands the connection to the operator channel hub.
func (h *Handler) AdminWebsocket(w http.ResponseWriter, r *http.Request) {
	h.Admin.HandleConnection(w, r)
}

type orderedSource struct {
	index int
	path  string
}

// StreamStart launches a broadcast from ordered cache references and fresh
// uploads. A second start while one is active returns 409 regardless of
// payload.
func (h *Handler) StreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	// Conflict is decided before any payload work: an active broadcast
	// answers 409 no matter what the request carries, and uploads are
	// never staged for a start that cannot win. Controller.Start holds
	// the authoritative check for starts racing this one.
	if h.Controller.Active() {
		writeError(w, http.StatusConflict, stream.ErrBusy)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}

	mode, err := stream.ParseMode(r.FormValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	existing := r.Form["existing"]
	existingIndices := r.Form["existingIndices"]
	if len(existing) != len(existingIndices) {
		writeError(w, http.StatusBadRequest, errors.New("existing and existingIndices lengths differ"))
		return
	}

	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		files = r.MultipartForm.File["files"]
	}
	fingerprints := r.Form["fingerprints"]
	indices := r.Form["indices"]
	if len(files) != len(fingerprints) || len(files) != len(indices) {
		writeError(w, http.StatusBadRequest, errors.New("files, fingerprints and indices lengths differ"))
		return
	}
	if len(existing)+len(files) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one source is required"))
		return
	}

	sources := make([]orderedSource, 0, len(existing)+len(files))
	for i, fingerprint := range existing {
		index, err := strconv.Atoi(existingIndices[i])
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad existing index %q", existingIndices[i]))
			return
		}
		record, ok, err := h.Cache.Lookup(r.Context(), strings.TrimSpace(fingerprint))
		if err != nil {
			h.respondCacheError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("no cached file for fingerprint %q", fingerprint))
			return
		}
		sources = append(sources, orderedSource{index: index, path: record.Path})
	}

	for i, header := range files {
		index, err := strconv.Atoi(indices[i])
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad index %q", indices[i]))
			return
		}
		record, err := h.cacheUpload(r.Context(), header, strings.TrimSpace(fingerprints[i]))
		if err != nil {
			h.respondCacheError(w, err)
			return
		}
		sources = append(sources, orderedSource{index: index, path: record.Path})
	}

	sort.SliceStable(sources, func(i, j int) bool { return sources[i].index < sources[j].index })
	paths := make([]string, len(sources))
	for i, src := range sources {
		paths[i] = src.path
	}

	if err := h.Controller.Start(r.Context(), mode, paths, "admin"); err != nil {
		switch {
		case errors.Is(err, stream.ErrBusy):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started": true,
		"mode":    string(mode),
		"files":   len(paths),
	})
}

// StreamStop ends the active broadcast. Stopping with nothing running is a
// no-op, not an error.
func (h *Handler) StreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.Controller.Stop(r.Context(), "admin"); err != nil {
		if errors.Is(err, stream.ErrNotActive) {
			writeJSON(w, http.StatusOK, map[string]any{"stopped": false, "message": "no active broadcast"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

type fingerprintRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// StreamCheck reports whether a fingerprint resolves to a usable cached
// file.
func (h *Handler) StreamCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req fingerprintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, ok, err := h.Cache.Lookup(r.Context(), strings.TrimSpace(req.Fingerprint))
	if err != nil {
		h.respondCacheError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": true, "path": record.Path})
}

// StreamCache uploads a single file into the transcode cache. A hit returns
// the existing path without touching the stored bytes.
func (h *Handler) StreamCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	fingerprint := strings.TrimSpace(r.FormValue("fingerprint"))
	var header *multipart.FileHeader
	if r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0 {
		header = r.MultipartForm.File["file"][0]
	}
	if header == nil {
		writeError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	record, err := h.cacheUpload(r.Context(), header, fingerprint)
	if err != nil {
		h.respondCacheError(w, err)
		return
	}
	h.audit(r.Context(), models.StreamLogCache, models.StreamLogOK, "cached "+record.Fingerprint)
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": record.Fingerprint,
		"path":        record.Path,
	})
}

// StreamCacheDelete removes one cached transcode and its record.
func (h *Handler) StreamCacheDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req fingerprintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Cache.Delete(r.Context(), strings.TrimSpace(req.Fingerprint)); err != nil {
		h.respondCacheError(w, err)
		return
	}
	h.audit(r.Context(), models.StreamLogCache, models.StreamLogOK, "deleted "+req.Fingerprint)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// StreamStatus reports the controller state.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Controller.Status())
}

// StreamLog returns recent audit entries, oldest first.
func (h *Handler) StreamLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad limit %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := h.Catalog.StreamLog(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// CleanupTranscode wipes the cache, the catalog, and leftover session
// directories. Refused while a broadcast is active.
func (h *Handler) CleanupTranscode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Controller.Active() {
		writeError(w, http.StatusConflict, errors.New("cannot clean up while a broadcast is active"))
		return
	}
	removedRecords, err := h.Cache.Wipe(r.Context())
	if err != nil {
		h.audit(r.Context(), models.StreamLogCache, models.StreamLogFailed, err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	removedSessions, err := stream.RemoveSessionDirs(h.WorkDir)
	if err != nil {
		h.logger().Error("session dir cleanup failed", "error", err)
	}
	h.audit(r.Context(), models.StreamLogCache, models.StreamLogOK,
		fmt.Sprintf("wiped %d records, %d session dirs", removedRecords, removedSessions))
	writeJSON(w, http.StatusOK, map[string]any{
		"removedRecords":  removedRecords,
		"removedSessions": removedSessions,
	})
}

type assignRoleRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// AssignRole sets the system role of a known account.
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.Directory.AssignRole(req.Username, models.SystemRole(req.Role))
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// cacheUpload stages a multipart file to disk and moves it into the cache
// under its fingerprint, reusing an existing entry when present.
func (h *Handler) cacheUpload(ctx context.Context, header *multipart.FileHeader, fingerprint string) (models.CachedTranscode, error) {
	if !cache.ValidFingerprint(fingerprint) {
		return models.CachedTranscode{}, cache.ErrMissingFingerprint
	}
	return h.Cache.GetOrCreate(ctx, fingerprint, header.Filename, func(context.Context) (string, error) {
		staged, err := h.stageUpload(header)
		if err != nil {
			return "", err
		}
		if h.VerifyUploads {
			computed, err := cache.FingerprintFile(staged)
			if err != nil {
				_ = os.Remove(staged)
				return "", err
			}
			if computed != fingerprint {
				_ = os.Remove(staged)
				return "", fmt.Errorf("%w: %q", errFingerprintMismatch, fingerprint)
			}
		}
		return staged, nil
	})
}

func (h *Handler) stageUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(h.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dst, err := os.CreateTemp(h.WorkDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	path := dst.Name()
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close staging file: %w", err)
	}
	return path, nil
}

func (h *Handler) respondCacheError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrMissingFingerprint):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, cache.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, errFingerprintMismatch):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, cache.ErrFileDelete):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) audit(ctx context.Context, action models.StreamLogAction, result models.StreamLogResult, detail string) {
	if h.Auditor == nil {
		return
	}
	h.Auditor.Record(ctx, action, "admin", result, detail)
}
