package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := NewTokenStore(path)

	// Empty store.
	tok, err := store.Load("http://cloud.test")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, store.Save(&Token{
		AccessToken: "tok-abc",
		UserID:      "user-1",
		CloudURL:    "http://cloud.test",
	}))

	tok, err = store.Load("http://cloud.test")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "tok-abc", tok.AccessToken)
	assert.Equal(t, "user-1", tok.UserID)
	assert.False(t, tok.SavedAt.IsZero())

	// Token file is owner-only.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A token for a different endpoint is not returned.
	tok, err = store.Load("http://other.test")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, store.Clear())
	tok, err = store.Load("http://cloud.test")
	require.NoError(t, err)
	assert.Nil(t, tok)

	// Clearing twice is fine.
	require.NoError(t, store.Clear())
}

func TestTokenStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := NewTokenStore(path).Load("http://cloud.test")
	assert.Error(t, err)
}

func deviceAuthServer(t *testing.T, pollResponses []map[string]string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/device", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "testbox", body["machine_name"])
		_ = json.NewEncoder(w).Encode(DeviceAuthorization{
			DeviceCode:      "dc-123",
			UserCode:        "WXYZ-1234",
			VerificationURI: "http://cloud.test/link",
			ExpiresIn:       300,
			Interval:        1,
		})
	})
	mux.HandleFunc("GET /api/auth/device", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dc-123", r.URL.Query().Get("device_code"))
		i := int(polls.Add(1)) - 1
		if i >= len(pollResponses) {
			i = len(pollResponses) - 1
		}
		_ = json.NewEncoder(w).Encode(pollResponses[i])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDeviceAuth_Approved(t *testing.T) {
	srv := deviceAuthServer(t, []map[string]string{
		{"status": "pending"},
		{"status": "approved", "access_token": "tok-new", "user_id": "user-9"},
	})

	auth := NewDeviceAuth(srv.URL)
	var promptedCode string
	auth.Prompt = func(userCode, verificationURI string) { promptedCode = userCode }

	start, err := auth.Start(context.Background(), "testbox")
	require.NoError(t, err)
	// Fast polling keeps the test quick.
	start.Interval = 0

	if auth.Prompt != nil {
		auth.Prompt(start.UserCode, start.VerificationURI)
	}
	tok, err := auth.Poll(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", tok.AccessToken)
	assert.Equal(t, "user-9", tok.UserID)
	assert.Equal(t, srv.URL, tok.CloudURL)
	assert.Equal(t, "WXYZ-1234", promptedCode)
}

func TestDeviceAuth_Denied(t *testing.T) {
	srv := deviceAuthServer(t, []map[string]string{{"status": "access_denied"}})

	auth := NewDeviceAuth(srv.URL)
	start, err := auth.Start(context.Background(), "testbox")
	require.NoError(t, err)
	start.Interval = 0

	_, err = auth.Poll(context.Background(), start)
	assert.ErrorIs(t, err, ErrAuthDenied)
}

func TestDeviceAuth_Expired(t *testing.T) {
	srv := deviceAuthServer(t, []map[string]string{{"status": "expired_token"}})

	auth := NewDeviceAuth(srv.URL)
	start, err := auth.Start(context.Background(), "testbox")
	require.NoError(t, err)
	start.Interval = 0

	_, err = auth.Poll(context.Background(), start)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestDeviceAuth_DeadlinePasses(t *testing.T) {
	auth := NewDeviceAuth("http://unused.test")
	_, err := auth.Poll(context.Background(), &DeviceAuthorization{
		DeviceCode: "dc", ExpiresIn: 0, Interval: 0,
	})
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestDeviceAuth_StartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := NewDeviceAuth(srv.URL).Start(context.Background(), "testbox")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
