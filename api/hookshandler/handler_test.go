package hookshandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/sessions"
	"github.com/ruteri/web3-uploader/storage"
	"github.com/ruteri/web3-uploader/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []uploader.Event
	err    error
}

func (s *recordingSubmitter) Submit(ctx context.Context, ev uploader.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(events Submitter, a *auth.Authenticator) http.Handler {
	mux := chi.NewRouter()
	NewHandler(events, a, "", testLogger()).RegisterRoutes(mux)
	return mux
}

func postHook(h http.Handler, name, body string) *httptest.ResponseRecorder {
	return postHookFrom(h, "127.0.0.1:40000", "/hooks", name, body)
}

func postHookFrom(h http.Handler, remoteAddr, target, name, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	if name != "" {
		req.Header.Set(HookNameHeader, name)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const v1Finish = `{
	"Upload": {
		"ID": "abc",
		"Size": 12,
		"Offset": 12,
		"MetaData": {"filename": "test.txt", "username": "alice"},
		"Storage": {"Type": "filestore", "Path": "/srv/files/abc"}
	},
	"HTTPRequest": {"Method": "PATCH", "URI": "/files/abc", "Header": {}}
}`

func TestHooks_V1Body(t *testing.T) {
	events := &recordingSubmitter{}
	h := newRouter(events, nil)

	for _, name := range []string{HookPostCreate, HookPostReceive, HookPostFinish, HookPostTerminate} {
		w := postHook(h, name, v1Finish)
		assert.Equal(t, http.StatusOK, w.Code, name)
	}

	require.Len(t, events.events, 4)
	assert.Equal(t, uploader.Created{ID: "abc", Owner: "alice", Filename: "test.txt", Size: 12}, events.events[0])
	assert.Equal(t, uploader.Progress{ID: "abc", Offset: 12, Size: 12}, events.events[1])
	assert.Equal(t, uploader.Completed{ID: "abc", Owner: "alice", Filename: "test.txt", Size: 12}, events.events[2])
	assert.Equal(t, uploader.Terminated{ID: "abc"}, events.events[3])
}

func TestHooks_V2Body(t *testing.T) {
	events := &recordingSubmitter{}
	h := newRouter(events, nil)

	body := `{"Type": "post-finish", "Event": ` + v1Finish + `}`
	w := postHook(h, "", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	require.Len(t, events.events, 1)
	assert.IsType(t, uploader.Completed{}, events.events[0])
}

func TestHooks_IgnoredAndInvalid(t *testing.T) {
	events := &recordingSubmitter{}
	h := newRouter(events, nil)

	assert.Equal(t, http.StatusOK, postHook(h, "pre-finish", v1Finish).Code)
	assert.Empty(t, events.events)

	assert.Equal(t, http.StatusBadRequest, postHook(h, HookPostFinish, "not json").Code)
	assert.Equal(t, http.StatusBadRequest, postHook(h, HookPostFinish, `{"HTTPRequest": {}}`).Code)
	assert.Equal(t, http.StatusBadRequest, postHook(h, HookPostFinish, `{"Upload": {"Size": 3}}`).Code)
	assert.Equal(t, http.StatusBadRequest, postHook(h, HookPostFinish, `{"Upload": {"ID": "../../etc/passwd"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, postHook(h, HookPostTerminate, `{"Upload": {"ID": "abc/def"}}`).Code)
	assert.Empty(t, events.events)
}

func TestHooks_CallerCheck(t *testing.T) {
	t.Run("loopback only without secret", func(t *testing.T) {
		events := &recordingSubmitter{}
		h := newRouter(events, nil)

		assert.Equal(t, http.StatusForbidden, postHookFrom(h, "203.0.113.7:5000", "/hooks", HookPostFinish, v1Finish).Code)
		assert.Equal(t, http.StatusOK, postHookFrom(h, "[::1]:5000", "/hooks", HookPostFinish, v1Finish).Code)
		assert.Len(t, events.events, 1)
	})

	t.Run("secret required when configured", func(t *testing.T) {
		events := &recordingSubmitter{}
		mux := chi.NewRouter()
		NewHandler(events, nil, "s3cret", testLogger()).RegisterRoutes(mux)

		assert.Equal(t, http.StatusForbidden, postHookFrom(mux, "127.0.0.1:1", "/hooks", HookPostFinish, v1Finish).Code)
		assert.Equal(t, http.StatusForbidden, postHookFrom(mux, "127.0.0.1:1", "/hooks?secret=wrong", HookPostFinish, v1Finish).Code)
		assert.Equal(t, http.StatusOK, postHookFrom(mux, "203.0.113.7:5000", "/hooks?secret=s3cret", HookPostFinish, v1Finish).Code)

		req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(v1Finish))
		req.RemoteAddr = "203.0.113.7:5000"
		req.Header.Set(HookNameHeader, HookPostFinish)
		req.Header.Set(HookSecretHeader, "s3cret")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, events.events, 2)
	})
}

type recordingBackend struct {
	mu     sync.Mutex
	stored map[string]string
}

func (b *recordingBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored[file.Path] = string(data)
	return "bafy-hooks", nil
}

func (b *recordingBackend) Name() string { return "recording" }

func TestHooks_StoragePathIgnored(t *testing.T) {
	filesDir := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOPSECRET"), 0600))
	staged := filepath.Join(filesDir, "abc")
	require.NoError(t, os.WriteFile(staged, []byte("hello world!"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := sessions.NewMemoryStore()
	backend := &recordingBackend{stored: map[string]string{}}
	dispatcher := storage.NewDispatcher([]interfaces.StorageBackend{backend}, store, storage.DispatcherOptions{QueueSize: 4}, testLogger())
	dispatcher.Start(ctx)
	defer func() { _ = dispatcher.Shutdown(context.Background()) }()
	adapter := uploader.NewAdapter(store, dispatcher, filesDir, 16, testLogger())
	go func() { _ = adapter.Run(ctx) }()

	h := newRouter(adapter, nil)
	forged := func(id string) string {
		body, err := json.Marshal(map[string]any{
			"Upload": map[string]any{
				"ID":       id,
				"Size":     9,
				"MetaData": map[string]string{"username": "mallory"},
				"Storage":  map[string]string{"Type": "filestore", "Path": secret},
			},
		})
		require.NoError(t, err)
		return string(body)
	}

	// create then terminate with a foreign path must not touch it
	require.Equal(t, http.StatusOK, postHook(h, HookPostCreate, forged("victim")).Code)
	require.Equal(t, http.StatusOK, postHook(h, HookPostTerminate, forged("victim")).Code)

	require.Equal(t, http.StatusOK, postHook(h, HookPostFinish, forged("abc")).Code)
	assert.Eventually(t, func() bool {
		sess, err := store.Get("abc")
		return err == nil && sess.State == interfaces.StateUploaded
	}, 2*time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	assert.Equal(t, map[string]string{staged: "hello world!"}, backend.stored)
	backend.mu.Unlock()

	// events are applied in order, so the forged terminate already ran
	_, err := store.Get("victim")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	data, err := os.ReadFile(secret)
	require.NoError(t, err)
	assert.Equal(t, "TOPSECRET", string(data))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(staged)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHooks_SubmitFailure(t *testing.T) {
	events := &recordingSubmitter{err: errors.New("adapter stopped")}
	h := newRouter(events, nil)
	assert.Equal(t, http.StatusServiceUnavailable, postHook(h, HookPostFinish, v1Finish).Code)
}

func TestHooks_PreCreateAuthentication(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payload, err := cryptoutils.SignRequest("alice", key, time.Now().UnixMilli())
	require.NoError(t, err)
	signature, err := cryptoutils.EncodeSignedPayload(payload)
	require.NoError(t, err)

	a, err := auth.NewAuthenticator(auth.Config{FreshnessWindow: time.Hour}, nil, testLogger())
	require.NoError(t, err)
	h := newRouter(&recordingSubmitter{}, a)

	signed, err := json.Marshal(map[string]any{
		"Upload":      map[string]any{"Size": 12, "MetaData": map[string]string{"signature": signature}},
		"HTTPRequest": map[string]any{"Method": "POST", "Header": map[string][]string{}},
	})
	require.NoError(t, err)
	unsigned := `{"Upload": {"Size": 12, "MetaData": {"username": "alice"}}, "HTTPRequest": {"Method": "POST"}}`

	t.Run("signed metadata accepted", func(t *testing.T) {
		w := postHook(h, HookPreCreate, string(signed))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{}`, w.Body.String())
	})

	t.Run("signed header accepted", func(t *testing.T) {
		body := `{"Upload": {"Size": 12}, "HTTPRequest": {"Method": "POST", "Header": {"Signature": ["` + signature + `"]}}}`
		assert.Equal(t, http.StatusOK, postHook(h, HookPreCreate, body).Code)
	})

	t.Run("v1 unsigned rejected with status", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, postHook(h, HookPreCreate, unsigned).Code)
	})

	t.Run("v2 unsigned rejected in body", func(t *testing.T) {
		w := postHook(h, "", `{"Type": "pre-create", "Event": `+unsigned+`}`)
		assert.Equal(t, http.StatusOK, w.Code)

		var resp hookResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.RejectUpload)
		require.NotNil(t, resp.HTTPResponse)
		assert.Equal(t, http.StatusUnauthorized, resp.HTTPResponse.StatusCode)
	})

	t.Run("no authenticator accepts everything", func(t *testing.T) {
		open := newRouter(&recordingSubmitter{}, nil)
		assert.Equal(t, http.StatusOK, postHook(open, HookPreCreate, unsigned).Code)
	})
}
