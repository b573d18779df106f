package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// ErrAuthDenied is returned when the user rejects the device authorization.
var ErrAuthDenied = errors.New("device authorization denied")

// ErrAuthExpired is returned when the device code expires before approval.
var ErrAuthExpired = errors.New("device authorization expired")

// Token is a cached relay credential for one cloud endpoint.
type Token struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id,omitempty"`
	OrgID       string    `json:"org_id,omitempty"`
	CloudURL    string    `json:"cloud_url"`
	MachineName string    `json:"machine_name,omitempty"`
	MachineID   string    `json:"machine_id,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// TokenStore persists one token to a JSON file so reconnects skip the
// device flow.
type TokenStore struct {
	path string
}

// NewTokenStore creates a store at path, typically under the state dir.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load returns the cached token if it exists and was issued for cloudURL.
func (s *TokenStore) Load(cloudURL string) (*Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if tok.CloudURL != cloudURL || tok.AccessToken == "" {
		return nil, nil
	}
	return &tok, nil
}

// Save writes the token, creating parent directories as needed.
func (s *TokenStore) Save(tok *Token) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tok.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Clear removes the cached token. Missing file is not an error.
func (s *TokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeviceAuthorization is the cloud's response to a device auth start.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceAuth runs the browser-approval token flow against a cloud endpoint.
type DeviceAuth struct {
	cloudURL string
	client   *http.Client

	// Prompt is invoked once with the code and URL the user must visit.
	Prompt func(userCode, verificationURI string)
}

// NewDeviceAuth creates a device auth flow for cloudURL.
func NewDeviceAuth(cloudURL string) *DeviceAuth {
	return &DeviceAuth{
		cloudURL: cloudURL,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Start requests a device code for machineName.
func (d *DeviceAuth) Start(ctx context.Context, machineName string) (*DeviceAuthorization, error) {
	payload, _ := json.Marshal(map[string]string{"machine_name": machineName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cloudURL+"/api/auth/device", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start device auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device auth start failed with status %d", resp.StatusCode)
	}

	var auth DeviceAuthorization
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("decode device auth response: %w", err)
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	return &auth, nil
}

// Poll waits for the user to approve the device code and returns the token.
func (d *DeviceAuth) Poll(ctx context.Context, auth *DeviceAuthorization) (*Token, error) {
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	interval := time.Duration(auth.Interval) * time.Second

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		pollURL := fmt.Sprintf("%s/api/auth/device?device_code=%s", d.cloudURL, url.QueryEscape(auth.DeviceCode))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			continue
		}

		var body struct {
			Status      string `json:"status"`
			AccessToken string `json:"access_token"`
			UserID      string `json:"user_id"`
			OrgID       string `json:"org_id"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			continue
		}

		switch body.Status {
		case "approved":
			return &Token{
				AccessToken: body.AccessToken,
				UserID:      body.UserID,
				OrgID:       body.OrgID,
				CloudURL:    d.cloudURL,
			}, nil
		case "access_denied":
			return nil, ErrAuthDenied
		case "expired_token":
			return nil, ErrAuthExpired
		}
		// pending: keep polling
	}
	return nil, ErrAuthExpired
}

// Authorize runs the full flow: start, prompt, poll.
func (d *DeviceAuth) Authorize(ctx context.Context, machineName string) (*Token, error) {
	auth, err := d.Start(ctx, machineName)
	if err != nil {
		return nil, err
	}
	if d.Prompt != nil {
		d.Prompt(auth.UserCode, auth.VerificationURI)
	}
	return d.Poll(ctx, auth)
}
