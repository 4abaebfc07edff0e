package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/sessions"
	"github.com/ruteri/web3-uploader/storage"
)

// ErrInvalidUploadID is returned for ids that cannot name a staged file.
var ErrInvalidUploadID = errors.New("invalid upload id")

// Enqueuer accepts dispatch jobs. *storage.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job storage.Job) error
}

// Adapter applies upload events to the session store in arrival order.
type Adapter struct {
	store    interfaces.SessionStore
	jobs     Enqueuer
	filesDir string
	events   chan Event
	log      *slog.Logger
}

// NewAdapter creates an adapter with an event buffer of the given size.
// Staged files are looked up as filesDir/<upload id>.
func NewAdapter(store interfaces.SessionStore, jobs Enqueuer, filesDir string, buffer int, log *slog.Logger) *Adapter {
	if buffer < 0 {
		buffer = 0
	}
	return &Adapter{
		store:    store,
		jobs:     jobs,
		filesDir: filesDir,
		events:   make(chan Event, buffer),
		log:      log,
	}
}

// Submit queues an event, blocking while the buffer is full.
func (a *Adapter) Submit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.events <- ev:
		return nil
	}
}

// Run consumes events until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			a.handle(ctx, ev)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev Event) {
	var err error
	if !ValidUploadID(ev.UploadID()) {
		a.log.Warn("Upload event not applied", "uploadID", ev.UploadID(), "event", fmt.Sprintf("%T", ev), "err", ErrInvalidUploadID)
		return
	}
	switch e := ev.(type) {
	case Created:
		err = a.created(e)
	case Progress:
		err = a.progress(e)
	case Completed:
		err = a.completed(ctx, e)
	case Terminated:
		err = a.terminated(e)
	default:
		err = fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		a.log.Warn("Upload event not applied", "uploadID", ev.UploadID(), "event", fmt.Sprintf("%T", ev), "err", err)
	}
}

func (a *Adapter) created(e Created) error {
	err := a.store.Create(e.ID, interfaces.Session{
		State:    interfaces.StateWaiting,
		Owner:    e.Owner,
		Filename: e.Filename,
		Size:     e.Size,
		Path:     a.stagedPath(e.ID),
	}, false)
	if err != nil {
		return err
	}
	a.log.Info("Upload created", "uploadID", e.ID, "owner", e.Owner, "size", e.Size)
	return nil
}

func (a *Adapter) progress(e Progress) error {
	return a.store.Update(e.ID, func(s *interfaces.Session) error {
		switch s.State {
		case interfaces.StateWaiting:
			if err := sessions.Transition(interfaces.StateReceiving)(s); err != nil {
				return err
			}
		case interfaces.StateReceiving:
		default:
			// late progress for a finished upload
			return nil
		}
		s.Offset = e.Offset
		if e.Size > 0 {
			s.Size = e.Size
		}
		return nil
	})
}

func (a *Adapter) completed(ctx context.Context, e Completed) error {
	path := a.stagedPath(e.ID)
	err := a.store.Update(e.ID, func(s *interfaces.Session) error {
		if err := sessions.Advance(interfaces.StateReceived)(s); err != nil {
			return err
		}
		if e.Size > 0 {
			s.Size = e.Size
		}
		s.Offset = s.Size
		s.Path = path
		if s.Owner == "" {
			s.Owner = e.Owner
		}
		if s.Filename == "" {
			s.Filename = e.Filename
		}
		return nil
	})
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		// The transport may only report completion.
		err = a.store.Create(e.ID, interfaces.Session{
			State:    interfaces.StateReceived,
			Owner:    e.Owner,
			Filename: e.Filename,
			Size:     e.Size,
			Offset:   e.Size,
			Path:     path,
		}, false)
	}
	if err != nil {
		return err
	}

	a.log.Info("Upload received", "uploadID", e.ID, "size", e.Size)
	return a.BeginDispatch(ctx, e.ID)
}

func (a *Adapter) terminated(e Terminated) error {
	err := a.store.Update(e.ID, func(s *interfaces.Session) error {
		if !s.State.Abortable() {
			return fmt.Errorf("%w: cannot abort %s upload", interfaces.ErrInvalidTransition, s.State)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := a.store.Delete(e.ID); err != nil {
		return err
	}
	storage.RemoveStagedFile(a.stagedPath(e.ID), a.log)
	a.log.Info("Upload aborted", "uploadID", e.ID)
	return nil
}

// BeginDispatch moves a Received session to Uploading and queues its job.
// Only one caller can win the transition, so a file is dispatched at most once.
func (a *Adapter) BeginDispatch(ctx context.Context, id string) error {
	var job storage.Job
	err := a.store.Update(id, func(s *interfaces.Session) error {
		if err := sessions.Transition(interfaces.StateUploading)(s); err != nil {
			return err
		}
		job = storage.Job{
			File: interfaces.FileRef{
				ID:       id,
				Path:     a.stagedPath(id),
				Filename: s.Filename,
				Size:     s.Size,
			},
			Uploader: s.Owner,
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := a.jobs.Enqueue(ctx, job); err != nil {
		failErr := a.store.Update(id, func(s *interfaces.Session) error {
			if err := sessions.Transition(interfaces.StateFailed)(s); err != nil {
				return err
			}
			s.LastError = fmt.Sprintf("could not queue storage job: %v", err)
			return nil
		})
		if failErr != nil {
			a.log.Error("Could not mark session failed", "uploadID", id, "err", failErr)
		}
		return fmt.Errorf("could not queue storage job: %w", err)
	}

	a.log.Debug("Storage dispatch queued", "uploadID", id)
	return nil
}

func (a *Adapter) stagedPath(id string) string {
	if a.filesDir == "" || !ValidUploadID(id) {
		return ""
	}
	return filepath.Join(a.filesDir, id)
}
