package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionState is the position of an upload session in its lifecycle.
type SessionState int

const (
	// StateUnknown is reported for ids that have no session record.
	StateUnknown SessionState = iota
	// StateWaiting is the state right after the upload endpoint was created.
	StateWaiting
	// StateReceiving means file bytes have started arriving.
	StateReceiving
	// StateReceived means every byte of the file is on local disk.
	StateReceived
	// StateUploading means the storage dispatcher owns the file.
	StateUploading
	// StateUploaded is the terminal success state.
	StateUploaded
	// StateFailed is the terminal failure state.
	StateFailed
)

var stateNames = map[SessionState]string{
	StateUnknown:   "unknown",
	StateWaiting:   "waiting",
	StateReceiving: "receiving",
	StateReceived:  "received",
	StateUploading: "uploading",
	StateUploaded:  "uploaded",
	StateFailed:    "failed",
}

// String returns the wire name of the state.
func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSessionState converts a wire name back into a SessionState.
func ParseSessionState(name string) (SessionState, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown session state %q", name)
}

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	state, err := ParseSessionState(name)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateUploaded || s == StateFailed
}

// allowedTransitions lists the only edges of the session state machine.
// Aborts (Waiting/Receiving -> deleted) are not transitions, the record is removed.
var allowedTransitions = map[SessionState][]SessionState{
	StateWaiting:   {StateReceiving},
	StateReceiving: {StateReceived},
	StateReceived:  {StateUploading},
	StateUploading: {StateUploaded, StateFailed},
}

// CanTransitionTo reports whether moving from s to next follows a documented edge.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Abortable reports whether a client abort may delete a session in this state.
func (s SessionState) Abortable() bool {
	return s == StateWaiting || s == StateReceiving
}

// Session is the record kept for every upload attempt.
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	Owner     string       `json:"owner,omitempty"`
	CID       string       `json:"cid,omitempty"`
	CIDList   []string     `json:"cid_list,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	LastError string       `json:"error,omitempty"`

	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Offset   int64  `json:"offset,omitempty"`

	// Path is the locally staged file, never exposed to clients.
	Path string `json:"-"`
}

// Clone returns a deep copy so callers never share the CIDList backing array.
func (s Session) Clone() Session {
	if s.CIDList != nil {
		s.CIDList = append([]string(nil), s.CIDList...)
	}
	return s
}

// SessionStore keeps session records for the lifetime of the process.
// Mutations for the same id are serialized, different ids never block each other.
type SessionStore interface {
	// Create stores a new record. Fails with ErrSessionExists unless
	// unsafeOverwrite is set or no record exists for id.
	Create(id string, session Session, unsafeOverwrite bool) error

	// Get returns a copy of the record or ErrSessionNotFound.
	Get(id string) (Session, error)

	// Update applies mutation atomically. If mutation returns an error
	// the record is left unchanged and the error is returned.
	Update(id string, mutation func(*Session) error) error

	// Consume atomically returns and deletes the record.
	Consume(id string) (Session, error)

	// Delete removes the record.
	Delete(id string) error
}

var (
	// ErrSessionNotFound is returned for ids without a session record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a safe create collides with an existing record.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition is returned when an operation does not match the session state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
