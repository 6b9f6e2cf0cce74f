package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"roomcast/internal/models"
)

// Phase is the lifecycle state of the broadcast controller.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// Mode selects how the session files feed the broadcast.
type Mode string

const (
	// ModePlaylist concatenates every session file in order via a manifest.
	ModePlaylist Mode = "playlist"
	// ModeSingle loops the lone session file directly.
	ModeSingle Mode = "single"
)

// ParseMode validates a client-supplied mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModePlaylist, ModeSingle:
		return Mode(raw), nil
	case "":
		return ModePlaylist, nil
	}
	return "", fmt.Errorf("unknown mode %q", raw)
}

// BroadcastStatus is the admin-channel notification status.
type BroadcastStatus string

const (
	StatusRunning BroadcastStatus = "running"
	StatusStopped BroadcastStatus = "stopped"
	StatusError   BroadcastStatus = "error"
	StatusInfo    BroadcastStatus = "info"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrBusy is returned when a start is attempted while a broadcast is
	// already active.
	ErrBusy = fmt.Errorf("a broadcast is already active")
	// ErrNotActive is returned when a stop is attempted with no broadcast
	// running.
	ErrNotActive = fmt.Errorf("no active broadcast")
)

// Config configures the broadcast controller.
type Config struct {
	// RTMPURL is the ingest endpoint without the stream key.
	RTMPURL string
	// StreamKey is appended to RTMPURL as the final path element.
	StreamKey string
	// WorkDir is where session directories are created.
	WorkDir string
	// FFmpegPath overrides the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	FFmpegPath string
	Logger     *slog.Logger
	Auditor    *Auditor
	// Notify is invoked on every broadcast status change. Used to fan
	// stream-status events out to admin connections.
	Notify func(status BroadcastStatus, message string)
}

// Status is a point-in-time report of the controller.
type Status struct {
	Active    bool      `json:"active"`
	Phase     Phase     `json:"phase"`
	Mode      Mode      `json:"mode,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	StartedBy string    `json:"startedBy,omitempty"`
	FileCount int       `json:"fileCount,omitempty"`
}

type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller supervises at most one ffmpeg broadcast at a time. Every
// transition goes through the mutex so concurrent starts serialize instead
// of racing a check-then-act; the exit goroutine reports back through
// onProcessExit so a crash and a requested stop resolve to different audit
// entries.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	auditor *Auditor

	mu         sync.Mutex
	phase      Phase
	mode       Mode
	session    *Session
	proc       *process
	startedAt  time.Time
	startedBy  string
	manualStop bool
	cleanup    *sync.Once
}

// NewController validates the configuration and returns an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if strings.TrimSpace(cfg.RTMPURL) == "" {
		return nil, fmt.Errorf("rtmp url is required")
	}
	if strings.TrimSpace(cfg.StreamKey) == "" {
		return nil, fmt.Errorf("stream key is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditor := cfg.Auditor
	if auditor == nil {
		auditor = NewAuditor(logger, nil)
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		auditor: auditor,
		phase:   PhaseIdle,
	}, nil
}

// Start launches a broadcast over the ordered source files. A second start
// while one is active fails with ErrBusy and leaves the running broadcast
// untouched.
func (c *Controller) Start(ctx context.Context, mode Mode, sources []string, by string) error {
	if mode == ModeSingle && len(sources) != 1 {
		return fmt.Errorf("single mode requires exactly one file")
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseStarting
	c.mu.Unlock()

	session, err := NewSession(c.cfg.WorkDir, sources)
	if err != nil {
		c.resetToIdle()
		c.auditor.Record(ctx, models.StreamLogError, by, models.StreamLogFailed, err.Error())
		c.notify(StatusError, "broadcast start failed")
		return err
	}

	proc, err := c.launch(mode, session)
	if err != nil {
		_ = session.Cleanup()
		c.resetToIdle()
		c.auditor.Record(ctx, models.StreamLogError, by, models.StreamLogFailed, err.Error())
		c.notify(StatusError, "broadcast start failed")
		return fmt.Errorf("launch ffmpeg: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseRunning
	c.mode = mode
	c.session = session
	c.proc = proc
	c.startedAt = time.Now().UTC()
	c.startedBy = by
	c.manualStop = false
	c.cleanup = &sync.Once{}
	c.mu.Unlock()

	// The waiter must not start before the session fields are published;
	// an instantly failing process would otherwise race the bookkeeping
	// above and leave the controller running a dead broadcast.
	go c.supervise(proc)

	c.auditor.Record(ctx, models.StreamLogStart, by, models.StreamLogOK,
		fmt.Sprintf("mode=%s files=%d", mode, len(session.Files)))
	c.notify(StatusRunning, "")
	return nil
}

// Stop terminates the active broadcast on an operator's request. It signals
// the process and returns without waiting for exit; exit-side audit and
// notification happen asynchronously when the process ends.
func (c *Controller) Stop(ctx context.Context, by string) error {
	return c.requestStop(ctx, by, models.StreamLogStop, "")
}

// AutoStop terminates the active broadcast on the idle watchdog's behalf.
func (c *Controller) AutoStop(ctx context.Context, detail string) error {
	return c.requestStop(ctx, "watchdog", models.StreamLogAutoStop, detail)
}

func (c *Controller) requestStop(ctx context.Context, by string, action models.StreamLogAction, detail string) error {
	c.mu.Lock()
	if c.phase != PhaseRunning && c.phase != PhaseStarting {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.phase = PhaseStopping
	c.manualStop = true
	proc := c.proc
	session := c.session
	cleanup := c.cleanup
	c.mu.Unlock()

	proc.cancel()

	// Clean eagerly; the exit handler's own attempt is a no-op after this.
	if cleanup != nil && session != nil {
		cleanup.Do(func() {
			if err := session.Cleanup(); err != nil {
				c.logger.Error("session cleanup failed", "error", err, "dir", session.Dir)
			}
		})
	}

	c.auditor.Record(ctx, action, by, models.StreamLogOK, detail)
	return nil
}

// Status reports the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Active: c.phase == PhaseStarting || c.phase == PhaseRunning,
		Phase:  c.phase,
	}
	if st.Active {
		st.Mode = c.mode
		st.StartedAt = c.startedAt
		st.StartedBy = c.startedBy
		if c.session != nil {
			st.FileCount = len(c.session.Files)
		}
	}
	return st
}

// Active reports whether a broadcast is currently up or winding down. The
// stopping phase still counts as active so a concurrent start cannot slip
// in before the process has exited.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != PhaseIdle
}

// Wait blocks until the current process exits or the context ends. It
// returns immediately when nothing is running. Used by graceful shutdown.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return nil
	}
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) launch(mode Mode, session *Session) (*process, error) {
	target := strings.TrimRight(c.cfg.RTMPURL, "/") + "/" + c.cfg.StreamKey

	args := []string{"-hide_banner", "-re", "-stream_loop", "-1"}
	if mode == ModeSingle {
		args = append(args, "-i", session.Files[0])
	} else {
		args = append(args, "-f", "concat", "-safe", "0", "-i", session.Playlist)
	}
	args = append(args,
		"-c", "copy",
		"-f", "flv",
		"-flush_packets", "1",
		target,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, args...)
	cmd.Stdout = newLogWriter(c.logger, "stdout")
	cmd.Stderr = newLogWriter(c.logger, "stderr")
	// Stop delivers SIGTERM so ffmpeg can flush the stream. The wait
	// delay reclaims the output pipes when a child of ffmpeg inherits
	// them and outlives it; without it Wait blocks until the whole
	// process tree is gone.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}, nil
}

// supervise waits for the launched process and reports its exit exactly
// once. Started only after Start has published the session fields.
func (c *Controller) supervise(proc *process) {
	err := proc.cmd.Wait()
	proc.cancel()
	c.onProcessExit(err)
	close(proc.done)
}

// onProcessExit runs exactly once per launched process, whether ffmpeg
// crashed, completed, or was signalled by a stop request.
func (c *Controller) onProcessExit(exitErr error) {
	c.mu.Lock()
	manual := c.manualStop
	session := c.session
	cleanup := c.cleanup
	c.phase = PhaseIdle
	c.mode = ""
	c.session = nil
	c.proc = nil
	c.startedAt = time.Time{}
	c.startedBy = ""
	c.manualStop = false
	c.mu.Unlock()

	if cleanup != nil && session != nil {
		cleanup.Do(func() {
			if err := session.Cleanup(); err != nil {
				c.logger.Error("session cleanup failed", "error", err, "dir", session.Dir)
			}
		})
	}

	ctx := context.Background()
	switch {
	case manual:
		c.notify(StatusStopped, "")
	case exitErr != nil:
		c.auditor.Record(ctx, models.StreamLogExit, "ffmpeg", models.StreamLogFailed, exitErr.Error())
		c.notify(StatusError, "broadcast exited unexpectedly")
	default:
		// A clean zero exit without a stop request still ends the
		// broadcast; admins see it as stopped, not as an error.
		c.auditor.Record(ctx, models.StreamLogExit, "ffmpeg", models.StreamLogOK, "")
		c.notify(StatusStopped, "")
	}
}

func (c *Controller) resetToIdle() {
	c.mu.Lock()
	c.phase = PhaseIdle
	c.mu.Unlock()
}

func (c *Controller) notify(status BroadcastStatus, message string) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(status, message)
	}
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
