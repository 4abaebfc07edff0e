package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	args := m.Called(ctx, file, uploader)
	return args.String(0), args.Error(1)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

var fastRetry = RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

func stagedFile(t *testing.T, id string) interfaces.FileRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.WriteFile(path, []byte("hello world!"), 0644))
	require.NoError(t, os.WriteFile(path+".info", []byte("{}"), 0644))
	return interfaces.FileRef{ID: id, Path: path, Filename: "test.txt", Size: 12}
}

func TestDispatch_SingleSuccess(t *testing.T) {
	file := stagedFile(t, "abc")
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "alice").Return("Qm1", nil).Once()

	d := NewDispatcher([]interfaces.StorageBackend{a}, sessions.NewMemoryStore(), DispatcherOptions{Retry: fastRetry}, testLogger())
	res, err := d.Dispatch(context.Background(), Job{File: file, Uploader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "Qm1", res.CID)
	assert.Nil(t, res.CIDList)
	a.AssertExpectations(t)
}

func TestDispatch_PartialFailure(t *testing.T) {
	file := stagedFile(t, "abc")

	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "alice").Return("QmA", nil).Once()
	b := &MockStorageBackend{name: "b"}
	b.On("Store", mock.Anything, file, "alice").Return("", errors.New("boom"))
	c := &MockStorageBackend{name: "c"}
	c.On("Store", mock.Anything, file, "alice").Return("QmC", nil).Once()

	d := NewDispatcher([]interfaces.StorageBackend{a, b, c}, sessions.NewMemoryStore(), DispatcherOptions{
		Retry:  fastRetry,
		Picker: func(n int) int { return n - 1 },
	}, testLogger())

	res, err := d.Dispatch(context.Background(), Job{File: file, Uploader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"QmA", "QmC"}, res.CIDList)
	assert.Equal(t, "QmC", res.CID)

	b.AssertNumberOfCalls(t, "Store", fastRetry.MaxAttempts)
	a.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestDispatch_RepresentativeIsFromList(t *testing.T) {
	file := stagedFile(t, "abc")
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "").Return("QmA", nil)
	b := &MockStorageBackend{name: "b"}
	b.On("Store", mock.Anything, file, "").Return("QmB", nil)

	d := NewDispatcher([]interfaces.StorageBackend{a, b}, sessions.NewMemoryStore(), DispatcherOptions{Retry: fastRetry}, testLogger())
	for i := 0; i < 10; i++ {
		res, err := d.Dispatch(context.Background(), Job{File: file})
		require.NoError(t, err)
		assert.Contains(t, res.CIDList, res.CID)
	}
}

func TestDispatch_RetryThenSuccess(t *testing.T) {
	file := stagedFile(t, "abc")
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "alice").Return("", errors.New("flaky")).Twice()
	a.On("Store", mock.Anything, file, "alice").Return("Qm1", nil).Once()

	d := NewDispatcher([]interfaces.StorageBackend{a}, sessions.NewMemoryStore(), DispatcherOptions{Retry: fastRetry}, testLogger())
	res, err := d.Dispatch(context.Background(), Job{File: file, Uploader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "Qm1", res.CID)
	a.AssertNumberOfCalls(t, "Store", 3)
}

func TestDispatch_AllFail(t *testing.T) {
	file := stagedFile(t, "abc")
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "alice").Return("", errors.New("boom"))
	b := &MockStorageBackend{name: "b"}
	b.On("Store", mock.Anything, file, "alice").Return("", nil)

	d := NewDispatcher([]interfaces.StorageBackend{a, nil, b}, sessions.NewMemoryStore(), DispatcherOptions{Retry: fastRetry}, testLogger())
	assert.Equal(t, []string{"a", "b"}, d.Backends())

	_, err := d.Dispatch(context.Background(), Job{File: file, Uploader: "alice"})
	require.ErrorIs(t, err, ErrAllBackendsFailed)
	assert.Contains(t, err.Error(), "a, b")
	a.AssertNumberOfCalls(t, "Store", fastRetry.MaxAttempts)
	b.AssertNumberOfCalls(t, "Store", fastRetry.MaxAttempts)
}

func TestDispatch_Cancellation(t *testing.T) {
	file := stagedFile(t, "abc")
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "").Return("", errors.New("boom"))

	d := NewDispatcher([]interfaces.StorageBackend{a}, sessions.NewMemoryStore(), DispatcherOptions{
		Retry: RetryPolicy{MaxAttempts: 5, Delay: time.Hour},
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Dispatch(ctx, Job{File: file})
	assert.ErrorIs(t, err, ErrAllBackendsFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
	a.AssertNumberOfCalls(t, "Store", 1)
}

func TestProcess_RecordsSuccess(t *testing.T) {
	file := stagedFile(t, "abc")
	store := sessions.NewMemoryStore()
	require.NoError(t, store.Create("abc", interfaces.Session{State: interfaces.StateUploading, Owner: "alice"}, false))

	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "alice").Return("QmA", nil)
	d := NewDispatcher([]interfaces.StorageBackend{a}, store, DispatcherOptions{Retry: fastRetry}, testLogger())

	d.Process(context.Background(), Job{File: file, Uploader: "alice"})

	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateUploaded, sess.State)
	assert.Equal(t, "QmA", sess.CID)

	assert.NoFileExists(t, file.Path)
	assert.NoFileExists(t, file.Path+".info")
}

func TestProcess_RecordsFailureAndKeepsFile(t *testing.T) {
	file := stagedFile(t, "abc")
	store := sessions.NewMemoryStore()
	require.NoError(t, store.Create("abc", interfaces.Session{State: interfaces.StateUploading}, false))

	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "").Return("", errors.New("boom"))
	d := NewDispatcher([]interfaces.StorageBackend{a}, store, DispatcherOptions{Retry: fastRetry}, testLogger())

	d.Process(context.Background(), Job{File: file})

	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateFailed, sess.State)
	assert.Contains(t, sess.LastError, "boom")
	assert.FileExists(t, file.Path)
}

func TestProcess_SessionDeletedMeanwhile(t *testing.T) {
	file := stagedFile(t, "abc")
	store := sessions.NewMemoryStore()

	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, file, "").Return("QmA", nil)
	d := NewDispatcher([]interfaces.StorageBackend{a}, store, DispatcherOptions{Retry: fastRetry}, testLogger())

	d.Process(context.Background(), Job{File: file})
	_, err := store.Get("abc")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestDispatcher_Queue(t *testing.T) {
	store := sessions.NewMemoryStore()
	a := &MockStorageBackend{name: "a"}
	a.On("Store", mock.Anything, mock.Anything, "alice").Return("QmA", nil)

	d := NewDispatcher([]interfaces.StorageBackend{a}, store, DispatcherOptions{Retry: fastRetry, Workers: 2, QueueSize: 4}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	ids := []string{"one", "two", "three"}
	for _, id := range ids {
		require.NoError(t, store.Create(id, interfaces.Session{State: interfaces.StateUploading}, false))
		require.NoError(t, d.Enqueue(ctx, Job{File: stagedFile(t, id), Uploader: "alice"}))
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			sess, err := store.Get(id)
			if err != nil || sess.State != interfaces.StateUploaded {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, d.Shutdown(shutdownCtx))
	assert.ErrorIs(t, d.Enqueue(ctx, Job{}), ErrDispatcherStopped)
}
