package models

import "time"

// SystemRole describes the persisted privilege level of a known username.
type SystemRole string

const (
	// SystemRoleUser is the default role for a first-seen username.
	SystemRoleUser SystemRole = "user"
	// SystemRoleHost grants playback control in every room the user joins.
	SystemRoleHost SystemRole = "host"
	// SystemRoleAdmin grants playback control plus access to the stream
	// control surface.
	SystemRoleAdmin SystemRole = "admin"
)

// Valid reports whether the role is one of the known system roles.
func (r SystemRole) Valid() bool {
	switch r {
	case SystemRoleUser, SystemRoleHost, SystemRoleAdmin:
		return true
	}
	return false
}

// CanHost reports whether the role carries host privilege inside a room.
func (r SystemRole) CanHost() bool {
	return r == SystemRoleHost || r == SystemRoleAdmin
}

// RoomRole is the per-connection role inside a single room.
type RoomRole string

const (
	RoomRoleHost   RoomRole = "host"
	RoomRoleViewer RoomRole = "viewer"
)

// RoomState is the shared playback state of one room. CurrentTime is only
// trustworthy at rest while Playing is false; while playing, the effective
// position is CurrentTime plus the wall clock elapsed since AnchorAt.
type RoomState struct {
	Playing     bool      `json:"playing"`
	CurrentTime float64   `json:"currentTime"`
	ShowLive    bool      `json:"showLive"`
	AnchorAt    time.Time `json:"anchorAt"`
	RefreshAt   time.Time `json:"refreshAt"`
	HostCount   int       `json:"hostCount"`
}

// EffectivePosition returns the playback position corrected for wall clock
// elapsed since the anchor when the room is playing.
func (s RoomState) EffectivePosition(now time.Time) float64 {
	if !s.Playing || s.AnchorAt.IsZero() {
		return s.CurrentTime
	}
	elapsed := now.Sub(s.AnchorAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.CurrentTime + elapsed
}

// RoomUser is one roster entry of a room.
type RoomUser struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Role     RoomRole `json:"role"`
}

// GlobalUser is a persisted account derived from a normalized username. It
// outlives any room and is only mutated by explicit role assignment.
type GlobalUser struct {
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	SystemRole SystemRole `json:"systemRole"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CachedTranscode is one catalog row of the content-addressed transcode
// cache. The fingerprint is the unique key; the file it points at may have
// been evicted by the TTL sweep, in which case the row is treated as a miss.
type CachedTranscode struct {
	Fingerprint  string    `json:"fingerprint"`
	Path         string    `json:"path"`
	OriginalName string    `json:"originalName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// StreamLogAction enumerates the auditable stream session events.
type StreamLogAction string

const (
	StreamLogStart    StreamLogAction = "START"
	StreamLogStop     StreamLogAction = "STOP"
	StreamLogExit     StreamLogAction = "EXIT"
	StreamLogError    StreamLogAction = "ERROR"
	StreamLogAutoStop StreamLogAction = "AUTO_STOP"
	StreamLogCache    StreamLogAction = "CACHE"
)

// StreamLogResult is the outcome recorded with an audit entry.
type StreamLogResult string

const (
	StreamLogOK     StreamLogResult = "OK"
	StreamLogFailed StreamLogResult = "ERROR"
)

// StreamLogEntry is an immutable audit record for the stream session
// controller. Entries are append-only and never mutated.
type StreamLogEntry struct {
	Action StreamLogAction `json:"action"`
	By     string          `json:"by"`
	At     time.Time       `json:"at"`
	Result StreamLogResult `json:"result"`
	Detail string          `json:"detail,omitempty"`
}
