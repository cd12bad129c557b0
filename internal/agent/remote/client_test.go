package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tenant-key", zap.NewNop(), WithTimeouts(Timeouts{
		Control: time.Second,
		Status:  200 * time.Millisecond,
		Policy:  200 * time.Millisecond,
		Upload:  time.Second,
	}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		assert.Equal(t, "tenant-key", r.Header.Get("X-Company-Key"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ana@acme.test", body["email"])
		assert.Equal(t, "linux", body["os"])
		writeJSON(w, http.StatusOK, map[string]any{
			"status": true,
			"data":   map[string]any{"id": 12, "active_token": "tok", "company_id": 3, "name": "Ana"},
		})
	})

	login, err := client.Login(context.Background(), LoginRequest{
		Email:      "ana@acme.test",
		Password:   "pw",
		DeviceInfo: DeviceInfo{OS: "linux"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), login.ID)
	assert.Equal(t, "tok", login.ActiveToken)
	assert.Equal(t, int64(3), login.CompanyID)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"status":false,"message":"invalid token"}`, IsAuth},
		{"suspended tenant", http.StatusForbidden, `{"error":"company suspended"}`, IsAuth},
		{"not found", http.StatusNotFound, `{"status":false,"message":"session not found"}`, IsRemoteState},
		{"bad payload", http.StatusBadRequest, `{"status":false}`, IsValidation},
		{"server error", http.StatusBadGateway, `oops`, IsNetwork},
		{"malformed success", http.StatusOK, `<html>`, IsNetwork},
		{"explicit rejection", http.StatusOK, `{"status":false,"message":"bad rows"}`, IsValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			err := client.UploadActivity(context.Background(), ActivityBatch{EmployeeID: 1})
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestConnectionRefusedIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(url, "k", zap.NewNop())
	_, err := client.CreateSession(context.Background(), 1, "tok")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Retryable())
}

func TestStatusTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	start := time.Now()
	_, err := client.CheckSessionActive(context.Background(), 1, 2, "tok")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckSessionActive_Terminated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-session-active", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": false,
			"reason": "Session ended by administrator",
		})
	})

	status, err := client.CheckSessionActive(context.Background(), 5, 6, "tok")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, "Session ended by administrator", status.Reason)
}

func TestCreateAndStopSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok", body["active_token"])
		switch r.URL.Path {
		case "/work-session/create":
			writeJSON(w, http.StatusOK, map[string]any{"status": true, "data": map[string]any{"id": 77}})
		case "/work-session/stop":
			assert.EqualValues(t, 77, body["session_id"])
			writeJSON(w, http.StatusOK, map[string]any{"status": true, "message": "stopped"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := client.CreateSession(context.Background(), 1, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	require.NoError(t, client.StopSession(context.Background(), id, 1, "tok"))
}

func TestFetchPolicy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/employee-config/", r.URL.Path)
		assert.Equal(t, "Token tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  true,
			"config":  map[string]any{"config_version": 4, "screenshots_enabled": true},
			"company": map[string]any{"id": 3, "name": "Acme"},
		})
	})

	doc, err := client.FetchPolicy(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "Acme", doc.Company.Name)
	assert.JSONEq(t, `{"config_version":4,"screenshots_enabled":true}`, string(doc.Config))
}

func TestLoginCheck(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": false})
	})
	ok, err := client.LoginCheck(context.Background(), 1, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}
