package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/interfaces"
	tusd "github.com/tus/tusd/v2/pkg/handler"
)

// StagedOwners resolves upload owners for the upload gate. Sessions the
// adapter has not stored yet are looked up in the tus .info sidecar, where
// the gate recorded the creator's identity.
type StagedOwners struct {
	sessions auth.SessionOwners
	dir      string
}

// NewStagedOwners creates an owner lookup over sessions and the staged
// uploads in dir.
func NewStagedOwners(sessions auth.SessionOwners, dir string) *StagedOwners {
	return &StagedOwners{sessions: sessions, dir: dir}
}

// Get returns the session, or a Waiting placeholder carrying the owner
// from the staged upload metadata.
func (o *StagedOwners) Get(id string) (interfaces.Session, error) {
	sess, err := o.sessions.Get(id)
	if !errors.Is(err, interfaces.ErrSessionNotFound) {
		return sess, err
	}
	if o.dir == "" || !ValidUploadID(id) {
		return interfaces.Session{}, err
	}

	data, readErr := os.ReadFile(filepath.Join(o.dir, id+".info"))
	if errors.Is(readErr, os.ErrNotExist) {
		return interfaces.Session{}, err
	}
	if readErr != nil {
		return interfaces.Session{}, fmt.Errorf("could not read upload info: %w", readErr)
	}

	var info tusd.FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return interfaces.Session{}, fmt.Errorf("could not parse upload info: %w", err)
	}
	return interfaces.Session{
		ID:    id,
		State: interfaces.StateWaiting,
		Owner: auth.CredentialsFromMetadata(info.MetaData).Identity,
	}, nil
}
