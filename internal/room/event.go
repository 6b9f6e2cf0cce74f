package room

import (
	"time"

	"roomcast/internal/models"
)

// EventType enumerates the room protocol messages. Inbound and outbound
// traffic share one envelope with a type discriminator; the set is closed so
// dispatch is exhaustive and unknown kinds are dropped rather than guessed
// at.
type EventType string

const (
	// EventSync carries the full room state to a single connection.
	EventSync EventType = "sync"
	// EventSyncRequest asks the server for an elapsed-corrected sync reply.
	EventSyncRequest EventType = "sync-request"
	// EventKeepalive is a client no-op that keeps intermediary proxies from
	// timing out the connection.
	EventKeepalive EventType = "keepalive"
	// EventPlay starts shared playback at the given position.
	EventPlay EventType = "play"
	// EventPause halts shared playback at the given position.
	EventPause EventType = "pause"
	// EventToggleLive shows or hides the live overlay.
	EventToggleLive EventType = "toggle-live"
	// EventRefreshLive forces a live-source reload on every viewer.
	EventRefreshLive EventType = "refresh-live"
	// EventRoomUsers announces the current roster of a room.
	EventRoomUsers EventType = "room-users"
)

// Event is the wire representation for room traffic in both directions.
// Fields beyond Type are optional and populated per event kind.
type Event struct {
	Type        EventType         `json:"type"`
	CurrentTime *float64          `json:"currentTime,omitempty"`
	Show        *bool             `json:"show,omitempty"`
	At          *time.Time        `json:"at,omitempty"`
	State       *models.RoomState `json:"state,omitempty"`
	Users       []models.RoomUser `json:"users,omitempty"`
}

// Envelope wraps an event for cross-instance transport. Origin identifies
// the publishing instance so subscribers can skip envelopes they already
// delivered locally.
type Envelope struct {
	Origin string `json:"origin"`
	RoomID string `json:"roomId"`
	Event  Event  `json:"event"`
}

func syncEvent(state models.RoomState, now time.Time) Event {
	corrected := state
	corrected.CurrentTime = state.EffectivePosition(now)
	return Event{Type: EventSync, State: &corrected}
}

func playEvent(currentTime float64) Event {
	return Event{Type: EventPlay, CurrentTime: &currentTime}
}

func pauseEvent(currentTime float64) Event {
	return Event{Type: EventPause, CurrentTime: &currentTime}
}

func toggleLiveEvent(show bool) Event {
	return Event{Type: EventToggleLive, Show: &show}
}

func refreshLiveEvent(at time.Time) Event {
	return Event{Type: EventRefreshLive, At: &at}
}

func roomUsersEvent(users map[string]models.RoomUser) Event {
	list := make([]models.RoomUser, 0, len(users))
	for _, user := range users {
		list = append(list, user)
	}
	return Event{Type: EventRoomUsers, Users: list}
}
