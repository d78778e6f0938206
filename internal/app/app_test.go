package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/shared/testutil"
)

var keyRe = regexp.MustCompile(config.LicenseKeyPattern)

func testConfig(t *testing.T, validIDs ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	data, err := json.Marshal(validIDs)
	require.NoError(t, err)
	validPath := filepath.Join(dir, "user_ids.json")
	require.NoError(t, os.WriteFile(validPath, data, 0644))

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Security.RateLimit.Enabled = false
	cfg.Store.Driver = config.StoreMemory
	cfg.Registry.Driver = config.RegistryFile
	cfg.Registry.ValidIDsPath = validPath
	cfg.Registry.UsedIDsPath = filepath.Join(dir, "used-user-ids.json")
	cfg.Notify.Provider = config.NotifyLog
	cfg.Classifier.GeminiAPIKey = ""
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.release(context.Background()) })
	return a
}

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) do(method, path, body string) (int, map[string]interface{}) {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.Contains(w.Header().Get("Content-Type"), "json") {
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	a := newTestApp(t, testConfig(t, testutil.TestUserID))
	c := client{t: t, router: a.Router}

	code, body := c.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "V-Nashak License Server is running", body["message"])
	assert.Equal(t, false, body["emailConfigured"])
	assert.Equal(t, "memory", body["storeDriver"])
	assert.Equal(t, "log", body["provider"])

	code, body = c.do(http.MethodPost, "/test-userid", `{"userId":"user_01"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["isValidAndUnused"])
	assert.Equal(t, apperrors.MsgUserIDValid, body["message"])

	code, body = c.do(http.MethodPost, "/test-userid", `{"userId":"stranger"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["isValidAndUnused"])
	assert.Equal(t, "User ID 'stranger' is not a valid ID.", body["message"])

	send := `{"email":"a@x.com","userId":"user_01","name":"A","phoneNumber":"555"}`
	code, body = c.do(http.MethodPost, "/send-license", send)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, apperrors.MsgEmailNotSetUp, body["message"])
	key, _ := body["licenseKey"].(string)
	require.True(t, keyRe.MatchString(key), "key %q", key)

	code, body = c.do(http.MethodPost, "/test-userid", `{"userId":"user_01"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "User ID 'user_01' has already been used.", body["message"])

	code, body = c.do(http.MethodPost, "/send-license", send)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "User ID 'user_01' has already been used.", body["message"])

	activate := `{"email":"a@x.com","licenseKey":"` + key + `","machineId":"M1"}`
	code, body = c.do(http.MethodPost, "/activate-license", activate)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "VALID", body["status"])
	assert.Equal(t, apperrors.MsgActivated, body["message"])

	code, body = c.do(http.MethodPost, "/api/v1/license/activate-license", activate)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ALREADY_ACTIVATED", body["status"])

	code, body = c.do(http.MethodPost, "/activate-license",
		`{"email":"a@x.com","licenseKey":"`+key+`","machineId":"M2"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.MsgMachineConflict, body["message"])

	code, body = c.do(http.MethodPost, "/activate-license",
		`{"email":"b@x.com","licenseKey":"`+key+`","machineId":"M1"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.MsgEmailMismatch, body["message"])

	code, body = c.do(http.MethodGet, "/api/v1/license/"+strings.ToLower(key), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACTIVATED", body["status"])
	assert.Equal(t, true, body["machineBound"])
	assert.NotEqual(t, key, body["licenseKey"])
}

func TestActivateWebMintsMachineID(t *testing.T) {
	a := newTestApp(t, testConfig(t, testutil.TestUserID))
	c := client{t: t, router: a.Router}

	_, body := c.do(http.MethodPost, "/send-license",
		`{"email":"a@x.com","userId":"user_01","name":"A","phoneNumber":"555"}`)
	key := body["licenseKey"].(string)

	code, body := c.do(http.MethodPost, "/activate-license/web", `{"email":"a@x.com","licenseKey":"`+key+`"}`)
	require.Equal(t, http.StatusOK, code, body)
	machineID, _ := body["machineId"].(string)
	assert.Regexp(t, `^WEB-\d+-[a-z0-9]{6}$`, machineID)

	code, body = c.do(http.MethodPost, "/activate-license",
		`{"email":"a@x.com","licenseKey":"`+key+`","machineId":"`+machineID+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ALREADY_ACTIVATED", body["status"])
}

func TestUnknownKeyIsInvalid(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	c := client{t: t, router: a.Router}

	for _, key := range []string{"AAAA-BBBB-CCCC", "not-a-key"} {
		code, body := c.do(http.MethodPost, "/activate-license",
			`{"email":"a@x.com","licenseKey":"`+key+`","machineId":"M1"}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, apperrors.MsgInvalidLicenseKey, body["message"])
	}
}

func TestProbesAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	c := client{t: t, router: a.Router}

	code, body := c.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, body = c.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	code, _ = c.do(http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, code)

	c.do(http.MethodPost, "/test-userid", `{"userId":"x"}`)

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests")
}

func TestRouterErrors(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	c := client{t: t, router: a.Router}

	code, body := c.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error_code"])

	req := httptest.NewRequest(http.MethodPost, "/test-userid", strings.NewReader(`userId=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	req := httptest.NewRequest(http.MethodOptions, "/send-license", nil)
	req.Header.Set("Origin", "https://activate.example.com")
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://activate.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRateLimitedRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}
	a := newTestApp(t, cfg)
	c := client{t: t, router: a.Router}

	code, _ := c.do(http.MethodPost, "/test-userid", `{"userId":"x"}`)
	assert.Equal(t, http.StatusOK, code)
	code, body := c.do(http.MethodPost, "/test-userid", `{"userId":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error_code"])

	// probes are not limited
	code, _ = c.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "cassandra"
	logger, _ := testutil.NewTestLogger(t)

	a, err := New(context.Background(), cfg, logger)
	assert.Nil(t, a)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
