package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const refreshTimeout = 30 * time.Second

// permanentErrorCodes are OAuth error codes that mean the grant is dead and
// re-authorization is required; retrying cannot help.
var permanentErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// RefreshError classifies a failed refresh exchange. Permanent failures should
// remove the credential; transient ones leave it for the next attempt.
type RefreshError struct {
	Permanent bool
	Status    int // upstream HTTP status, 0 for transport failures
	Message   string
	Cause     error
}

func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token refresh failed: %v", e.Cause)
	}
	if e.Status != 0 {
		return fmt.Sprintf("token refresh failed: HTTP %d: %s", e.Status, e.Message)
	}
	return "token refresh failed: " + e.Message
}

func (e *RefreshError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err is a refresh failure that warrants removing
// the credential.
func IsPermanent(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Permanent
}

// ForceRefresh exchanges the stored refresh secret for a new access/refresh
// pair and persists the result. Usage count and upload time carry over; refresh
// does not reset usage history.
func (p *Pool) ForceRefresh(ctx context.Context, id string) (Credential, error) {
	p.mu.RLock()
	cred, ok := p.store[id]
	p.mu.RUnlock()
	if !ok {
		return Credential{}, ErrTokenNotFound
	}

	refreshed, err := p.refreshExchange(ctx, cred)
	if err != nil {
		log.Printf("❌ Refresh token failed for %s: %v", id, err)
		return Credential{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-read under the lock: a concurrent increment or refresh may have
	// advanced the counters since the unlocked exchange started.
	if current, stillThere := p.store[id]; stillThere {
		refreshed.UsageCount = current.UsageCount
		refreshed.UploadedAt = current.UploadedAt
	}
	if err := p.saveLocked(id, refreshed); err != nil {
		return Credential{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	log.Printf("✅ Refreshed token %s (expires: %s)", id, formatEpochMs(refreshed.ExpiresAt))
	return refreshed, nil
}

// refreshExchange performs the upstream token-endpoint call without touching
// pool state, so concurrent refreshes of the same id cannot interleave partial
// writes.
func (p *Pool) refreshExchange(ctx context.Context, cred Credential) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {p.clientID},
	}

	var userAgent string
	if p.resolver != nil {
		userAgent = p.resolver.UserAgent(ctx)
	}

	resp, err := p.client.PostForm(ctx, p.tokenEndpoint, form, userAgent)
	if err != nil {
		return Credential{}, &RefreshError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &RefreshError{Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		permanent := resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden

		// The body may still carry a structured OAuth error; prefer its code
		// classification when it parses.
		if msg, codePermanent, ok := parseOAuthError(body); ok {
			return Credential{}, &RefreshError{Permanent: permanent || codePermanent, Status: resp.StatusCode, Message: msg}
		}
		return Credential{}, &RefreshError{Permanent: permanent, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Credential{}, &RefreshError{Message: fmt.Sprintf("unparsable token response: %v", err)}
	}

	if msg, codePermanent, ok := parseOAuthError(body); ok {
		return Credential{}, &RefreshError{Permanent: codePermanent, Status: resp.StatusCode, Message: msg}
	}
	if result.AccessToken == "" {
		return Credential{}, &RefreshError{Message: "token response missing access_token"}
	}

	expiresIn := result.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().UnixMilli() + expiresIn*1000

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}

	return Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    &expiresAt,
		UploadedAt:   cred.UploadedAt,
		UsageCount:   cred.UsageCount,
	}, nil
}

// parseOAuthError extracts an error code from a token-endpoint JSON body.
// The second return reports whether the code is in the permanent set.
func parseOAuthError(body []byte) (string, bool, bool) {
	var result struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Error == "" {
		return "", false, false
	}

	msg := result.Error
	if desc := result.ErrorDescription; desc != "" {
		msg += ": " + desc
	} else if result.Message != "" {
		msg += ": " + result.Message
	}
	return msg, permanentErrorCodes[result.Error], true
}

// RefreshSingle force-refreshes one credential, removing it on permanent
// failure. Used by the manual per-token refresh endpoint.
func (p *Pool) RefreshSingle(ctx context.Context, id string) error {
	_, err := p.ForceRefresh(ctx, id)
	if err == nil {
		log.Printf("✅ Single token refresh succeeded: %s", id)
		return nil
	}
	if IsPermanent(err) {
		if derr := p.Delete(id); derr != nil {
			log.Printf("⚠️ Failed to delete token %s: %v", id, derr)
		}
		log.Printf("❌ Single token refresh failed permanently, removed: %s", id)
		return fmt.Errorf("token refresh failed, token removed: %w", err)
	}
	log.Printf("⏳ Single token refresh failed transiently, will retry later: %s", id)
	return err
}

// RefreshOutcome is one per-id result of a bulk refresh.
type RefreshOutcome struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RefreshSummary aggregates a bulk refresh.
type RefreshSummary struct {
	Success         bool             `json:"success"`
	RefreshResults  []RefreshOutcome `json:"refreshResults"`
	RemainingTokens int              `json:"remainingTokens"`
	IsForcedRefresh bool             `json:"isForcedRefresh"`
}

// RefreshAll force-refreshes every credential unconditionally, removing the
// permanently failed ones.
func (p *Pool) RefreshAll(ctx context.Context) (RefreshSummary, error) {
	return p.refreshBulk(ctx, nil)
}

// RefreshExpiring force-refreshes only credentials whose expiry falls within
// window from now; entries further out are reported as skipped. Credentials
// without a known expiry are left alone.
func (p *Pool) RefreshExpiring(ctx context.Context, window time.Duration) (RefreshSummary, error) {
	nowMs := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	return p.refreshBulk(ctx, func(cred Credential) bool {
		return cred.ExpiresAt != nil && *cred.ExpiresAt-nowMs <= windowMs
	})
}

func (p *Pool) refreshBulk(ctx context.Context, include func(Credential) bool) (RefreshSummary, error) {
	type entry struct {
		id   string
		cred Credential
	}

	p.mu.RLock()
	entries := make([]entry, 0, len(p.store))
	for id, cred := range p.store {
		entries = append(entries, entry{id: id, cred: cred})
	}
	p.mu.RUnlock()

	if len(entries) == 0 {
		return RefreshSummary{}, ErrNoToken
	}

	var results []RefreshOutcome
	var toRemove []string
	for _, e := range entries {
		if include != nil && !include(e.cred) {
			results = append(results, RefreshOutcome{ID: e.id, Success: true, Skipped: true})
			continue
		}

		if _, err := p.ForceRefresh(ctx, e.id); err != nil {
			results = append(results, RefreshOutcome{ID: e.id, Success: false, Error: err.Error()})
			if IsPermanent(err) {
				toRemove = append(toRemove, e.id)
			}
			continue
		}
		results = append(results, RefreshOutcome{ID: e.id, Success: true})
	}

	for _, id := range toRemove {
		if err := p.Delete(id); err != nil {
			log.Printf("⚠️ Failed to delete token %s: %v", id, err)
			continue
		}
		log.Printf("❌ Bulk refresh failed permanently, removed token: %s", id)
	}

	return RefreshSummary{
		Success:         true,
		RefreshResults:  results,
		RemainingTokens: p.Count(),
		IsForcedRefresh: true,
	}, nil
}
