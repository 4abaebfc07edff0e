package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyOwnership(ctx context.Context, identity, publicKey string) (bool, error) {
	args := m.Called(identity, publicKey)
	return args.Bool(0), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProxy(t *testing.T, upstream string, verifier *mockVerifier) *Proxy {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Config{FreshnessWindow: time.Hour, VerifyOwnership: true}, verifier, testLogger())
	require.NoError(t, err)
	p, err := New(Config{ListenAddr: "127.0.0.1:0", Upstream: upstream, Authenticator: a, Log: testLogger()})
	require.NoError(t, err)
	return p
}

func signature(t *testing.T, identity string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payload, err := cryptoutils.SignRequest(identity, key, time.Now().UnixMilli())
	require.NoError(t, err)
	encoded, err := cryptoutils.EncodeSignedPayload(payload)
	require.NoError(t, err)
	return encoded, payload.Pubkey
}

func TestProxy_ForwardsAuthenticated(t *testing.T) {
	var forwardedUser, forwardedPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedUser = r.Header.Get("X-Forwarded-User")
		forwardedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"uploading"}`))
	}))
	defer upstream.Close()

	sig, pubkey := signature(t, "alice")
	verifier := &mockVerifier{}
	verifier.On("VerifyOwnership", "alice", pubkey).Return(true, nil)
	p := newProxy(t, upstream.URL, verifier)

	req := httptest.NewRequest(http.MethodGet, "/progress/abc", nil)
	req.Header.Set("signature", sig)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"status":"uploading"}`, w.Body.String())
	assert.Equal(t, "alice", forwardedUser)
	assert.Equal(t, "/progress/abc", forwardedPath)
	verifier.AssertExpectations(t)
}

func TestProxy_Rejects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unauthenticated request reached upstream")
	}))
	defer upstream.Close()

	sig, pubkey := signature(t, "alice")
	verifier := &mockVerifier{}
	verifier.On("VerifyOwnership", "alice", pubkey).Return(false, nil)
	p := newProxy(t, upstream.URL, verifier)

	for name, header := range map[string]string{
		"missing":   "",
		"garbage":   "bm90IGpzb24=",
		"not owned": sig,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/progress/abc", nil)
			if header != "" {
				req.Header.Set("signature", header)
			}
			w := httptest.NewRecorder()
			p.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "Invalid Authentication")
		})
	}
}

func TestProxy_BadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close()

	sig, pubkey := signature(t, "alice")
	verifier := &mockVerifier{}
	verifier.On("VerifyOwnership", "alice", pubkey).Return(true, nil)
	p := newProxy(t, upstream.URL, verifier)

	req := httptest.NewRequest(http.MethodGet, "/progress/abc", nil)
	req.Header.Set("signature", sig)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNew_Validation(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{}, nil, testLogger())
	require.NoError(t, err)

	_, err = New(Config{Upstream: "http://127.0.0.1:5083", Log: testLogger()})
	assert.Error(t, err)
	_, err = New(Config{Upstream: "127.0.0.1:5083", Authenticator: a, Log: testLogger()})
	assert.Error(t, err)
}
