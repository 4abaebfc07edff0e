package uploader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/sessions"
	"github.com/ruteri/web3-uploader/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	tusd "github.com/tus/tusd/v2/pkg/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, job storage.Job) error {
	return m.Called(job).Error(0)
}

func newTestAdapter(t *testing.T) (*Adapter, *sessions.MemoryStore, *mockEnqueuer, string) {
	t.Helper()
	dir := t.TempDir()
	store := sessions.NewMemoryStore()
	jobs := &mockEnqueuer{}
	return NewAdapter(store, jobs, dir, 16, testLogger()), store, jobs, dir
}

func stage(t *testing.T, dir, id string) string {
	t.Helper()
	path := filepath.Join(dir, id)
	require.NoError(t, os.WriteFile(path, []byte("hello world!"), 0644))
	require.NoError(t, os.WriteFile(path+".info", []byte("{}"), 0644))
	return path
}

func TestAdapter_HappyPath(t *testing.T) {
	a, store, jobs, dir := newTestAdapter(t)
	ctx := context.Background()
	path := stage(t, dir, "abc")

	a.handle(ctx, Created{ID: "abc", Owner: "alice", Filename: "test.txt", Size: 12})
	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateWaiting, sess.State)
	assert.Equal(t, "alice", sess.Owner)

	a.handle(ctx, Progress{ID: "abc", Offset: 6, Size: 12})
	sess, err = store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateReceiving, sess.State)
	assert.Equal(t, int64(6), sess.Offset)

	expected := storage.Job{
		File:     interfaces.FileRef{ID: "abc", Path: path, Filename: "test.txt", Size: 12},
		Uploader: "alice",
	}
	jobs.On("Enqueue", expected).Return(nil).Once()

	a.handle(ctx, Completed{ID: "abc", Size: 12})
	sess, err = store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateUploading, sess.State)
	assert.Equal(t, int64(12), sess.Offset)

	// a repeated completion notification never dispatches twice
	a.handle(ctx, Completed{ID: "abc", Size: 12})
	jobs.AssertExpectations(t)
	jobs.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestAdapter_CompletionWithoutCreation(t *testing.T) {
	a, store, jobs, dir := newTestAdapter(t)
	stage(t, dir, "abc")

	jobs.On("Enqueue", mock.MatchedBy(func(job storage.Job) bool {
		return job.File.Path == filepath.Join(dir, "abc") && job.Uploader == "alice"
	})).Return(nil).Once()

	a.handle(context.Background(), Completed{ID: "abc", Owner: "alice", Size: 12})

	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateUploading, sess.State)
	jobs.AssertExpectations(t)
}

func TestAdapter_CompletionSkipsReceiving(t *testing.T) {
	a, store, jobs, _ := newTestAdapter(t)
	jobs.On("Enqueue", mock.Anything).Return(nil)

	a.handle(context.Background(), Created{ID: "abc", Owner: "alice"})
	a.handle(context.Background(), Completed{ID: "abc", Size: 3})

	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateUploading, sess.State)
}

func TestAdapter_DuplicateCreationKeepsFirst(t *testing.T) {
	a, store, _, _ := newTestAdapter(t)
	a.handle(context.Background(), Created{ID: "abc", Owner: "alice"})
	a.handle(context.Background(), Created{ID: "abc", Owner: "mallory"})

	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Owner)
}

func TestAdapter_Terminate(t *testing.T) {
	t.Run("while receiving", func(t *testing.T) {
		a, store, _, dir := newTestAdapter(t)
		path := stage(t, dir, "abc")

		a.handle(context.Background(), Created{ID: "abc", Owner: "alice"})
		a.handle(context.Background(), Progress{ID: "abc", Offset: 3})
		a.handle(context.Background(), Terminated{ID: "abc"})

		_, err := store.Get("abc")
		assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
		assert.NoFileExists(t, path)
		assert.NoFileExists(t, path+".info")
	})

	t.Run("after completion", func(t *testing.T) {
		a, store, jobs, dir := newTestAdapter(t)
		path := stage(t, dir, "abc")
		jobs.On("Enqueue", mock.Anything).Return(nil)

		a.handle(context.Background(), Created{ID: "abc", Owner: "alice"})
		a.handle(context.Background(), Completed{ID: "abc", Size: 12})
		a.handle(context.Background(), Terminated{ID: "abc"})

		sess, err := store.Get("abc")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateUploading, sess.State)
		assert.FileExists(t, path)
	})

	t.Run("unknown upload", func(t *testing.T) {
		a, _, _, _ := newTestAdapter(t)
		err := a.terminated(Terminated{ID: "nope"})
		assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	})
}

func TestAdapter_StagedFilesStayInUploadDir(t *testing.T) {
	a, store, jobs, dir := newTestAdapter(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0644))
	stage(t, dir, "abc")

	jobs.On("Enqueue", mock.MatchedBy(func(job storage.Job) bool {
		return job.File.Path == filepath.Join(dir, "abc")
	})).Return(nil).Once()

	a.handle(context.Background(), Completed{ID: "abc", Owner: "alice", Size: 12})
	sess, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc"), sess.Path)
	jobs.AssertExpectations(t)

	for _, id := range []string{"../secret.txt", outside, "a/b", `a\b`, "..", "abc.info", ""} {
		a.handle(context.Background(), Created{ID: id, Owner: "mallory"})
		a.handle(context.Background(), Completed{ID: id, Owner: "mallory"})
		a.handle(context.Background(), Terminated{ID: id})
	}
	assert.Equal(t, 1, store.Len())
	assert.FileExists(t, outside)
	jobs.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestValidUploadID(t *testing.T) {
	assert.True(t, ValidUploadID("4f2a9c0e1b"))
	assert.True(t, ValidUploadID("abc+part"))
	for _, id := range []string{"", ".", "..", "../x", "/etc/passwd", `a\b`, "abc.info"} {
		assert.False(t, ValidUploadID(id), id)
	}
}

func TestAdapter_BeginDispatch(t *testing.T) {
	t.Run("requires received", func(t *testing.T) {
		a, store, _, _ := newTestAdapter(t)
		require.NoError(t, store.Create("abc", interfaces.Session{State: interfaces.StateReceiving}, false))
		assert.ErrorIs(t, a.BeginDispatch(context.Background(), "abc"), interfaces.ErrInvalidTransition)
	})

	t.Run("queue failure marks failed", func(t *testing.T) {
		a, store, jobs, _ := newTestAdapter(t)
		require.NoError(t, store.Create("abc", interfaces.Session{State: interfaces.StateReceived}, false))
		jobs.On("Enqueue", mock.Anything).Return(storage.ErrDispatcherStopped)

		err := a.BeginDispatch(context.Background(), "abc")
		assert.ErrorIs(t, err, storage.ErrDispatcherStopped)

		sess, err := store.Get("abc")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateFailed, sess.State)
		assert.Contains(t, sess.LastError, "dispatcher stopped")
	})
}

func TestAdapter_Run(t *testing.T) {
	a, store, jobs, _ := newTestAdapter(t)
	jobs.On("Enqueue", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, a.Submit(ctx, Created{ID: "abc", Owner: "alice", Size: 12}))
	require.NoError(t, a.Submit(ctx, Progress{ID: "abc", Offset: 12, Size: 12}))
	require.NoError(t, a.Submit(ctx, Completed{ID: "abc", Size: 12}))

	assert.Eventually(t, func() bool {
		sess, err := store.Get("abc")
		return err == nil && sess.State == interfaces.StateUploading
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, a.Submit(ctx, Created{ID: "late"}), context.Canceled)
}

func TestEventsFromHooks(t *testing.T) {
	header := http.Header{}
	header.Set("username", "alice")

	hook := tusd.HookEvent{
		Upload: tusd.FileInfo{
			ID:       "abc",
			Size:     12,
			Offset:   5,
			MetaData: tusd.MetaData{"filename": "test.txt"},
			Storage:  map[string]string{"Type": "filestore", "Path": "/data/abc"},
		},
		HTTPRequest: tusd.HTTPRequest{Method: http.MethodPost, Header: header},
	}

	assert.Equal(t, Created{ID: "abc", Owner: "alice", Filename: "test.txt", Size: 12}, CreatedFromHook(hook))
	assert.Equal(t, Progress{ID: "abc", Offset: 5, Size: 12}, ProgressFromHook(hook))
	assert.Equal(t, Completed{ID: "abc", Owner: "alice", Filename: "test.txt", Size: 12}, CompletedFromHook(hook))
	assert.Equal(t, Terminated{ID: "abc"}, TerminatedFromHook(hook))

	hook.HTTPRequest.Header = http.Header{}
	hook.Upload.MetaData = tusd.MetaData{"username": "bob", "name": "clip.mp4"}
	created := CreatedFromHook(hook)
	assert.Equal(t, "bob", created.Owner)
	assert.Equal(t, "clip.mp4", created.Filename)
}
