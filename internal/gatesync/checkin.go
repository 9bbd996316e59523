package gatesync

import (
	"encoding/json"
	"strings"
	"time"
)

type CheckInStatus string

const (
	StatusPending    CheckInStatus = "pending"
	StatusArrived    CheckInStatus = "arrived"
	StatusWaiting    CheckInStatus = "waiting"
	StatusInProgress CheckInStatus = "in_progress"
	StatusCompleted  CheckInStatus = "completed"
	StatusCancelled  CheckInStatus = "cancelled"
)

// Note is one append-only remark on a check-in.
type Note struct {
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// GateCheckIn is the live record of one physical visit at the gate. The
// descriptive fields are fixed at creation; only status, ramp assignment and
// notes change afterwards, and nothing changes once the status is terminal.
type GateCheckIn struct {
	ID        string `json:"id"`
	BookingID string `json:"bookingId"`
	VisitID   string `json:"visitId"`

	Carrier               string   `json:"carrier"`
	TrailerPlate          string   `json:"trailerPlate"`
	ETA                   string   `json:"eta,omitempty"`
	PalletCount           int      `json:"palletCount,omitempty"`
	Hazmat                bool     `json:"hazmat,omitempty"`
	TemperatureControlled bool     `json:"temperatureControlled,omitempty"`
	Tailgate              bool     `json:"tailgate,omitempty"`
	ADRDeclarations       []string `json:"adrDeclarations,omitempty"`

	Status         CheckInStatus `json:"status"`
	RampAssignment string        `json:"rampAssignment,omitempty"`
	Notes          []Note        `json:"notes,omitempty"`
}

type CommandKind string

const (
	CommandStatusUpdate CommandKind = "status_update"
	CommandAssignRamp   CommandKind = "assign_ramp"
	CommandAddNote      CommandKind = "add_note"
	CommandUploadFile   CommandKind = "upload_file"
)

// SyncCommand is one unit of work originating from the operator UI. The
// CommandID doubles as the server-side idempotency key.
type SyncCommand struct {
	CommandID     string          `json:"commandId"`
	Kind          CommandKind     `json:"kind"`
	TargetVisitID string          `json:"targetVisitId"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     string          `json:"createdAt"`
}

type StatusUpdatePayload struct {
	From CheckInStatus `json:"from,omitempty"`
	To   CheckInStatus `json:"to"`
}

type AssignRampPayload struct {
	Ramp string `json:"ramp"`
}

type AddNotePayload struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

type UploadFilePayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventInFlight  EventStatus = "in_flight"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
)

// QueuedEvent is the durable form of a SyncCommand. Completed events are
// evicted; failed events are retained until the operator retries or discards
// them.
type QueuedEvent struct {
	SyncCommand

	RetryCount    int         `json:"retryCount"`
	MaxRetries    int         `json:"maxRetries"`
	Status        EventStatus `json:"status"`
	NextAttemptAt *string     `json:"nextAttemptAt,omitempty"`
	LastError     *string     `json:"lastError,omitempty"`
}

// RealTimeUpdate is the shape of a server-pushed frame on the live channel.
type RealTimeUpdate struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func ValidCommandKind(kind CommandKind) bool {
	switch kind {
	case CommandStatusUpdate, CommandAssignRamp, CommandAddNote, CommandUploadFile:
		return true
	default:
		return false
	}
}

func ValidCheckInStatus(status CheckInStatus) bool {
	switch status {
	case StatusPending, StatusArrived, StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// NewCommand fills in the generated fields of a SyncCommand.
func NewCommand(kind CommandKind, visitID string, payload any, newID func() string) (SyncCommand, error) {
	visitID = strings.TrimSpace(visitID)
	if visitID == "" || !ValidCommandKind(kind) {
		return SyncCommand{}, ErrInvalidInput
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncCommand{}, err
	}
	return SyncCommand{
		CommandID:     newID(),
		Kind:          kind,
		TargetVisitID: visitID,
		Payload:       raw,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}
