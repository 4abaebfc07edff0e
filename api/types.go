package api

import (
	"strings"

	"github.com/ruteri/web3-uploader/interfaces"
)

// AppName is reported by the version endpoint.
const AppName = "web3-uploader"

// SessionView is the client facing projection of a session.
type SessionView struct {
	// Status is the session state name, "unknown" for ids without a record.
	Status string `json:"status"`

	// StateName is the capitalized state, e.g. "Uploaded". Absent for
	// unknown ids.
	StateName string `json:"state,omitempty"`

	// CID is the representative content identifier once uploaded.
	CID string `json:"cid,omitempty"`

	// CIDList holds every identifier when more than one backend succeeded.
	CIDList []string `json:"cid_list,omitempty"`

	// Error is the last diagnostic of a failed session.
	Error string `json:"error,omitempty"`

	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
}

// UnknownSession is returned for ids the store does not know about.
var UnknownSession = SessionView{Status: interfaces.StateUnknown.String()}

// NewSessionView projects a session record.
func NewSessionView(s interfaces.Session) SessionView {
	view := SessionView{
		Status:    s.State.String(),
		StateName: displayState(s.State),
		Filename:  s.Filename,
		Size:      s.Size,
		Offset:    s.Offset,
	}
	switch s.State {
	case interfaces.StateUploaded:
		view.CID = s.CID
		if len(s.CIDList) > 1 {
			view.CIDList = append([]string(nil), s.CIDList...)
		}
	case interfaces.StateFailed:
		view.Error = s.LastError
	}
	return view
}

func displayState(state interfaces.SessionState) string {
	if state == interfaces.StateUnknown {
		return ""
	}
	name := state.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

// State parses Status back into a session state.
func (v SessionView) State() interfaces.SessionState {
	state, err := interfaces.ParseSessionState(v.Status)
	if err != nil {
		return interfaces.StateUnknown
	}
	return state
}

// VersionResponse is served on /version.
type VersionResponse struct {
	Version string `json:"version"`
	App     string `json:"app"`
}

// StatusResponse is the generic JSON status payload for failures.
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
