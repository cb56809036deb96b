package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"golang.org/x/oauth2"
)

const initTimeout = 12 * time.Second

// ErrSessionNotFound is returned when polling or cancelling an unknown session.
var ErrSessionNotFound = errors.New("oauth session not found or expired")

// ErrAuthorizationPending means the user has not approved the device yet; the
// caller should poll again after the session interval.
var ErrAuthorizationPending = errors.New("authorization pending")

// Session is one in-flight device authorization. The PKCE verifier never leaves
// the server; only the session id is handed to the browser.
type Session struct {
	DeviceCode              string `json:"-"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	Verifier                string `json:"-"`
	ExpiresAt               time.Time
	Interval                int `json:"interval"`
}

// InitResult is what the init endpoint hands back to the browser.
type InitResult struct {
	SessionID               string `json:"sessionId"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int64  `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Flow manages device authorization sessions against the Qwen OAuth endpoints.
type Flow struct {
	client   *upstream.Client
	resolver token.IdentityResolver // may be nil

	deviceEndpoint string
	tokenEndpoint  string
	clientID       string
	scope          string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewFlow creates a device flow over the given endpoints.
func NewFlow(client *upstream.Client, resolver token.IdentityResolver, deviceEndpoint, tokenEndpoint, clientID, scope string) *Flow {
	return &Flow{
		client:         client,
		resolver:       resolver,
		deviceEndpoint: deviceEndpoint,
		tokenEndpoint:  tokenEndpoint,
		clientID:       clientID,
		scope:          scope,
		sessions:       make(map[string]*Session),
	}
}

func (f *Flow) userAgent(ctx context.Context) string {
	if f.resolver == nil {
		return ""
	}
	return f.resolver.UserAgent(ctx)
}

// Init starts a new device authorization: requests a device/user code pair from
// the device endpoint and stores the session keyed by a fresh id.
func (f *Flow) Init(ctx context.Context) (*InitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	verifier := oauth2.GenerateVerifier()
	form := url.Values{
		"client_id":             {f.clientID},
		"scope":                 {f.scope},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}

	resp, err := f.client.PostForm(ctx, f.deviceEndpoint, form, f.userAgent(ctx))
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: HTTP %d: %s", resp.StatusCode, upstream.ReadBody(resp))
	}

	var result struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int64  `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unparsable device authorization response: %w", err)
	}
	if result.DeviceCode == "" || result.UserCode == "" {
		return nil, errors.New("device authorization response missing codes")
	}
	if result.ExpiresIn <= 0 {
		result.ExpiresIn = 300
	}
	if result.Interval <= 0 {
		result.Interval = 5
	}

	id := uuid.NewString()
	session := &Session{
		DeviceCode:              result.DeviceCode,
		UserCode:                result.UserCode,
		VerificationURI:         result.VerificationURI,
		VerificationURIComplete: result.VerificationURIComplete,
		Verifier:                verifier,
		ExpiresAt:               time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
		Interval:                result.Interval,
	}

	f.mu.Lock()
	f.pruneLocked()
	f.sessions[id] = session
	f.mu.Unlock()

	log.Printf("🔐 OAuth device flow started: session %s, user code %s", id, result.UserCode)
	return &InitResult{
		SessionID:               id,
		UserCode:                result.UserCode,
		VerificationURI:         result.VerificationURI,
		VerificationURIComplete: result.VerificationURIComplete,
		ExpiresIn:               result.ExpiresIn,
		Interval:                result.Interval,
	}, nil
}

// Poll asks the token endpoint whether the user has approved the session. On
// success the session is consumed and the minted credential returned. An
// ErrAuthorizationPending result leaves the session in place for the next poll;
// any other failure clears it.
func (f *Flow) Poll(ctx context.Context, sessionID string) (token.Credential, error) {
	f.mu.Lock()
	session, ok := f.sessions[sessionID]
	if ok && time.Now().After(session.ExpiresAt) {
		delete(f.sessions, sessionID)
		ok = false
	}
	f.mu.Unlock()
	if !ok {
		return token.Credential{}, ErrSessionNotFound
	}

	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":     {f.clientID},
		"device_code":   {session.DeviceCode},
		"code_verifier": {session.Verifier},
	}

	resp, err := f.client.PostForm(ctx, f.tokenEndpoint, form, f.userAgent(ctx))
	if err != nil {
		// Transport failures do not consume the session; the browser retries.
		return token.Credential{}, fmt.Errorf("token poll failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		f.drop(sessionID)
		return token.Credential{}, fmt.Errorf("unparsable token response: HTTP %d", resp.StatusCode)
	}

	switch result.Error {
	case "":
	case "authorization_pending", "slow_down":
		return token.Credential{}, ErrAuthorizationPending
	default:
		f.drop(sessionID)
		msg := result.Error
		if result.ErrorDescription != "" {
			msg += ": " + result.ErrorDescription
		}
		log.Printf("❌ OAuth device flow failed for session %s: %s", sessionID, msg)
		return token.Credential{}, errors.New(msg)
	}

	if result.AccessToken == "" || result.RefreshToken == "" {
		f.drop(sessionID)
		return token.Credential{}, errors.New("token response missing credentials")
	}

	expiresIn := result.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	now := time.Now().UnixMilli()
	expiresAt := now + expiresIn*1000

	f.drop(sessionID)
	log.Printf("✅ OAuth device flow completed for session %s", sessionID)
	return token.Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    &expiresAt,
		UploadedAt:   now,
	}, nil
}

// Cancel discards a session. Cancelling an unknown or already-consumed session
// is a no-op.
func (f *Flow) Cancel(sessionID string) {
	f.drop(sessionID)
}

func (f *Flow) drop(sessionID string) {
	f.mu.Lock()
	delete(f.sessions, sessionID)
	f.mu.Unlock()
}

func (f *Flow) pruneLocked() {
	now := time.Now()
	for id, s := range f.sessions {
		if now.After(s.ExpiresAt) {
			delete(f.sessions, id)
		}
	}
}
