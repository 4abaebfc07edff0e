package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/sessions"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAllBackendsFailed is returned when no backend stored the file.
	ErrAllBackendsFailed = errors.New("all storage backends failed")

	// ErrDispatcherStopped is returned by Enqueue after Shutdown.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	errEmptyCID = errors.New("backend returned an empty content identifier")
)

// RetryPolicy bounds the attempts made against a single backend.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy tries five times, five seconds apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: 5 * time.Second}

// Job is one completely received file to persist.
type Job struct {
	File     interfaces.FileRef
	Uploader string
}

// Result is the outcome of a successful dispatch.
type Result struct {
	// CID is the representative identifier.
	CID string
	// CIDList holds every identifier in backend order, only when more than one backend succeeded.
	CIDList []string
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Retry RetryPolicy
	// Parallelism caps concurrent backends per job, zero means all at once.
	Parallelism int
	Workers     int
	QueueSize   int
	// Picker chooses the representative CID among n successes. Defaults to uniform random.
	Picker func(n int) int
}

// Dispatcher fans completed files out to every configured backend.
type Dispatcher struct {
	backends    []interfaces.StorageBackend
	store       interfaces.SessionStore
	retry       RetryPolicy
	parallelism int
	workers     int
	pick        func(n int) int
	log         *slog.Logger

	jobs    chan Job
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Nil backends are skipped.
func NewDispatcher(backends []interfaces.StorageBackend, store interfaces.SessionStore, opts DispatcherOptions, log *slog.Logger) *Dispatcher {
	valid := make([]interfaces.StorageBackend, 0, len(backends))
	for i, b := range backends {
		if b == nil {
			log.Error("Skipping nil storage backend", "index", i)
			continue
		}
		valid = append(valid, b)
	}

	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Picker == nil {
		opts.Picker = rand.IntN
	}

	return &Dispatcher{
		backends:    valid,
		store:       store,
		retry:       opts.Retry,
		parallelism: opts.Parallelism,
		workers:     opts.Workers,
		pick:        opts.Picker,
		log:         log,
		jobs:        make(chan Job, opts.QueueSize),
	}
}

// Backends returns the names of the configured backends in order.
func (d *Dispatcher) Backends() []string {
	names := make([]string, len(d.backends))
	for i, b := range d.backends {
		names[i] = b.Name()
	}
	return names
}

// Dispatch stores the file on every backend in parallel, retrying each one
// according to the retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	if len(d.backends) == 0 {
		return Result{}, fmt.Errorf("%w: no backends configured", ErrAllBackendsFailed)
	}

	cids := make([]string, len(d.backends))
	errs := make([]error, len(d.backends))

	var eg errgroup.Group
	if d.parallelism > 0 {
		eg.SetLimit(d.parallelism)
	}
	for i, backend := range d.backends {
		eg.Go(func() error {
			cids[i], errs[i] = d.storeWithRetry(ctx, backend, job)
			return nil
		})
	}
	_ = eg.Wait()

	var succeeded []string
	var failed []string
	for i, backend := range d.backends {
		if errs[i] != nil {
			failed = append(failed, backend.Name())
			continue
		}
		succeeded = append(succeeded, cids[i])
	}

	if len(succeeded) == 0 {
		return Result{}, fmt.Errorf("%w: tried %s: %w", ErrAllBackendsFailed, strings.Join(failed, ", "), errors.Join(errs...))
	}

	result := Result{CID: succeeded[0]}
	if len(succeeded) > 1 {
		result.CID = succeeded[d.pick(len(succeeded))]
		result.CIDList = succeeded
	}

	d.log.Info("Dispatched file",
		slog.String("uploadID", job.File.ID),
		slog.String("cid", result.CID),
		slog.Int("succeeded", len(succeeded)),
		slog.Int("failed", len(failed)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (d *Dispatcher) storeWithRetry(ctx context.Context, backend interfaces.StorageBackend, job Job) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		cid, err := backend.Store(ctx, job.File, job.Uploader)
		if err == nil && cid == "" {
			err = errEmptyCID
		}
		if err == nil {
			return cid, nil
		}
		lastErr = err

		d.log.Debug("Storage attempt failed",
			slog.String("backend", backend.Name()),
			slog.String("uploadID", job.File.ID),
			slog.Int("attempt", attempt),
			"err", err)

		if attempt == d.retry.MaxAttempts {
			break
		}

		timer := time.NewTimer(d.retry.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	d.log.Error("Storage backend failed, giving up",
		slog.String("backend", backend.Name()),
		slog.String("uploadID", job.File.ID),
		slog.Int("attempts", d.retry.MaxAttempts),
		"err", lastErr)
	return "", fmt.Errorf("%s: %w", backend.Name(), lastErr)
}

// Process dispatches the job and records the outcome on its session.
func (d *Dispatcher) Process(ctx context.Context, job Job) {
	result, dispatchErr := d.Dispatch(ctx, job)

	err := d.store.Update(job.File.ID, func(s *interfaces.Session) error {
		if dispatchErr != nil {
			if err := sessions.Transition(interfaces.StateFailed)(s); err != nil {
				return err
			}
			s.LastError = dispatchErr.Error()
			return nil
		}
		if err := sessions.Transition(interfaces.StateUploaded)(s); err != nil {
			return err
		}
		s.CID = result.CID
		s.CIDList = result.CIDList
		s.LastError = ""
		return nil
	})
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		d.log.Warn("Session gone before dispatch finished, discarding result", "uploadID", job.File.ID, "cid", result.CID)
	case err != nil:
		d.log.Error("Could not record dispatch outcome", "uploadID", job.File.ID, "err", err)
	}

	if dispatchErr != nil {
		d.log.Error("Dispatch failed", "uploadID", job.File.ID, "err", dispatchErr)
		return
	}
	RemoveStagedFile(job.File.Path, d.log)
}

// RemoveStagedFile deletes a staged upload and its tus .info sidecar.
func RemoveStagedFile(path string, log *slog.Logger) {
	if path == "" {
		return
	}
	for _, p := range []string{path, path + ".info"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error("Could not remove staged file", "path", p, "err", err)
		}
	}
}

// Start launches the workers consuming the job queue.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.jobs:
					d.Process(ctx, job)
				}
			}
		}()
	}
	d.log.Info("Storage dispatcher started", "workers", d.workers, "backends", d.Backends())
}

// Enqueue schedules a job, blocking while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.jobs <- job:
		return nil
	}
}

// Shutdown stops the workers, cancelling in-flight attempts, and waits for
// them until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopped.Store(true)
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher workers did not stop: %w", ctx.Err())
	}
}
