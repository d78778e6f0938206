package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keyserver/internal/config"
	"keyserver/internal/license"
	"keyserver/internal/notify"
	"keyserver/internal/shared/testutil"
	"keyserver/pkg/contracts/domain"
)

type mockDispatcher struct {
	mock.Mock
	configured bool
}

func (m *mockDispatcher) Deliver(ctx context.Context, d license.Delivery) error {
	return m.Called(ctx, d).Error(0)
}

func (m *mockDispatcher) Provider() string { return "smtp" }

func (m *mockDispatcher) Configured() bool { return m.configured }

func newTestCLI(t *testing.T, d notify.Dispatcher) (*cli, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	var stdout, stderr bytes.Buffer
	return &cli{
		stdout:     &stdout,
		stderr:     &stderr,
		httpClient: http.DefaultClient,
		loadConfig: func() (*config.Config, error) { return config.Default(), nil },
		newDispatcher: func(config.NotifyConfig, string, *slog.Logger) (notify.Dispatcher, error) {
			return d, nil
		},
		machineID: func() string { return "LOCALMACHINE" },
		logger:    logger,
	}, &stdout, &stderr
}

func TestRunUsage(t *testing.T) {
	c, _, stderr := newTestCLI(t, nil)
	assert.Equal(t, exitUsage, c.run(context.Background(), nil))
	assert.Contains(t, stderr.String(), "usage: keyctl")

	assert.Equal(t, exitUsage, c.run(context.Background(), []string{"frobnicate"}))
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)
}

func TestMachineIDAndVersion(t *testing.T) {
	c, stdout, _ := newTestCLI(t, nil)
	require.Equal(t, exitOK, c.run(context.Background(), []string{"machine-id"}))
	assert.Equal(t, "LOCALMACHINE\n", stdout.String())

	stdout.Reset()
	require.Equal(t, exitOK, c.run(context.Background(), []string{"version"}))
	assert.Contains(t, stdout.String(), "V-Nashak License Server")
}

func TestSend(t *testing.T) {
	t.Run("delivers", func(t *testing.T) {
		d := &mockDispatcher{configured: true}
		d.On("Deliver", mock.Anything, license.Delivery{
			Email:      testutil.TestEmail,
			Name:       testutil.TestName,
			LicenseKey: "AB12-CD34-EF56",
		}).Return(nil)
		c, stdout, _ := newTestCLI(t, d)

		code := c.run(context.Background(), []string{"send", "-email", testutil.TestEmail, "-key", "ab12-cd34-ef56", "-name", testutil.TestName})
		assert.Equal(t, exitOK, code)
		assert.Contains(t, stdout.String(), "License key sent to a@x.com via smtp")
		d.AssertExpectations(t)
	})

	t.Run("no provider", func(t *testing.T) {
		c, _, stderr := newTestCLI(t, &mockDispatcher{configured: false})
		code := c.run(context.Background(), []string{"send", "-email", testutil.TestEmail, "-key", "AB12-CD34-EF56"})
		assert.Equal(t, exitFail, code)
		assert.Contains(t, stderr.String(), "no email provider is configured")
	})

	t.Run("delivery error", func(t *testing.T) {
		d := &mockDispatcher{configured: true}
		d.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("535 auth failed"))
		c, _, stderr := newTestCLI(t, d)

		code := c.run(context.Background(), []string{"send", "-email", testutil.TestEmail, "-key", "AB12-CD34-EF56"})
		assert.Equal(t, exitFail, code)
		assert.Contains(t, stderr.String(), "535 auth failed")
	})

	t.Run("missing flags", func(t *testing.T) {
		c, _, stderr := newTestCLI(t, nil)
		assert.Equal(t, exitUsage, c.run(context.Background(), []string{"send", "-email", testutil.TestEmail}))
		assert.Contains(t, stderr.String(), "-email and -key are required")
	})
}

func TestActivate(t *testing.T) {
	var got domain.ActivateLicenseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activate-license", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		if got.MachineID == "OTHER" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"status":"ERROR","message":"This license key is already activated on a different machine.","error_code":"MACHINE_CONFLICT"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(domain.ActivateLicenseResponse{Status: "VALID", Message: "License activated successfully."})
	}))
	defer srv.Close()

	t.Run("defaults to local machine", func(t *testing.T) {
		c, stdout, _ := newTestCLI(t, nil)
		code := c.run(context.Background(), []string{"activate", "-server", srv.URL + "/", "-email", testutil.TestEmail, "-key", "AB12-CD34-EF56"})
		assert.Equal(t, exitOK, code)
		assert.Equal(t, "LOCALMACHINE", got.MachineID)
		assert.Contains(t, stdout.String(), "VALID: License activated successfully.")
	})

	t.Run("server rejection", func(t *testing.T) {
		c, _, stderr := newTestCLI(t, nil)
		code := c.run(context.Background(), []string{"activate", "-server", srv.URL, "-email", testutil.TestEmail, "-key", "AB12-CD34-EF56", "-machine", "OTHER"})
		assert.Equal(t, exitFail, code)
		assert.Contains(t, stderr.String(), "already activated on a different machine")
		assert.Contains(t, stderr.String(), "HTTP 409, request ")
	})
}

func TestCheckUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.TestUserIDRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := domain.TestUserIDResponse{Status: "SUCCESS", UserID: req.UserID}
		if req.UserID == "user_01" {
			resp.IsValidAndUnused = true
			resp.Message = "User ID is valid and unused."
		} else {
			resp.Message = "User ID '" + req.UserID + "' is not a valid ID."
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, stdout, _ := newTestCLI(t, nil)
	assert.Equal(t, exitOK, c.run(context.Background(), []string{"check-userid", "-server", srv.URL, "-id", "user_01"}))
	assert.Contains(t, stdout.String(), "User ID is valid and unused.")

	stdout.Reset()
	assert.Equal(t, exitFail, c.run(context.Background(), []string{"check-userid", "-server", srv.URL, "-id", "bogus"}))
	assert.Contains(t, stdout.String(), "is not a valid ID.")
}
