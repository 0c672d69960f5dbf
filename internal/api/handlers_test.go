package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"secret.vault/config"
	"secret.vault/internal/crypto"
	"secret.vault/internal/notify"
	"secret.vault/internal/stats"
	"secret.vault/internal/store"
	"secret.vault/internal/vault"
)

type syncTasks struct{}

func (syncTasks) Submit(task notify.Task) error { return task.Run(context.Background()) }

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Crypto.EncryptionKey = crypto.GenerateKey()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = st.Close() })

	cipher, err := crypto.NewCipher(cfg.Crypto.EncryptionKey)
	require.NoError(t, err)
	verifier, err := crypto.NewVerifier(bcrypt.MinCost)
	require.NoError(t, err)
	rec := stats.NewMemoryRecorder(nil)

	engine, err := vault.New(vault.DefaultPolicy(), cfg.LinkBase(), vault.Deps{
		Store:    st,
		Cipher:   cipher,
		Verifier: verifier,
		Stats:    rec,
		Tasks:    syncTasks{},
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(SetupRouter(engine, rec, cfg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestSecretLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{
		Content:         "secret",
		Password:        "abcd",
		ExpirationHours: 24,
		ViewLimit:       3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "http://localhost:8080/s/"+id, created["url"])
	assert.NotContains(t, created, "content")

	resp, status := doJSON(t, http.MethodGet, srv.URL+"/api/secrets/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, status["exists"])
	assert.Equal(t, true, status["has_password"])
	assert.Equal(t, float64(3), status["remaining_views"])

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", RevealRequest{Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["kind"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", RevealRequest{Password: "abcd"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "secret", body["content"])
	assert.Equal(t, float64(2), body["remaining_views"])
	assert.Equal(t, false, body["is_last_view"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_secrets_created"])
}

func TestRevealWithoutBody(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{Content: "hello", ExpirationHours: 24, ViewLimit: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body["content"])
	assert.Equal(t, true, body["is_last_view"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])

	resp, status := doJSON(t, http.MethodGet, srv.URL+"/api/secrets/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, status["exists"])
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{Content: "x", ExpirationHours: 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_parameter", body["kind"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/secrets/", bytes.NewBufferString("content=x"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, raw.StatusCode)
}

func TestCreateBodyLimit(t *testing.T) {
	srv := newTestServer(t, nil)

	// Every "<" is escaped to six bytes on the wire.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{
		Content: strings.Repeat("<", 50000),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+body["id"].(string)+"/reveal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strings.Repeat("<", 50000), body["content"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/secrets/", CreateRequest{
		Content: strings.Repeat("<", 120000),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "too_large", body["kind"])
	assert.Contains(t, body["error"], "bytes")
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRevealRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerMin = 100
		cfg.RateLimit.RevealPerMin = 2
	})

	id := crypto.GenerateID()
	for range 2 {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/secrets/"+id+"/reveal", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["kind"])
}

func TestStaticPages(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/", "/s/" + crypto.GenerateID()} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	}
}
