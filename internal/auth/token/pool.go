package token

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/pysugar/qwen-gateway/internal/db/models"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoToken is returned when the pool holds no credential usable for an
// upstream call.
var ErrNoToken = errors.New("no valid token available")

// ErrTokenNotFound is returned for operations on an id absent from the pool.
var ErrTokenNotFound = errors.New("token not found")

// IDLength is the refresh-secret prefix length used as the credential id.
const IDLength = 8

// Credential is one Qwen OAuth access/refresh pair with its accounting state.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *int64 // epoch ms; nil means unknown/never
	UploadedAt   int64  // epoch ms
	UsageCount   int64
}

// Expired reports whether the credential is past its expiry at nowMs.
// A credential without a known expiry is never considered expired.
func (c Credential) Expired(nowMs int64) bool {
	return c.ExpiresAt != nil && nowMs > *c.ExpiresAt
}

// IdentityResolver supplies the User-Agent for OAuth endpoint calls.
type IdentityResolver interface {
	UserAgent(ctx context.Context) string
	Refresh(ctx context.Context) string
}

// Pool is the in-memory mirror of the credential store. It is the only
// component that writes credential rows: every mutation updates the mirror and
// the database under the same lock so the two cannot diverge.
type Pool struct {
	database *gorm.DB
	client   *upstream.Client
	resolver IdentityResolver // may be nil

	tokenEndpoint string
	clientID      string

	mu    sync.RWMutex
	store map[string]Credential
}

// NewPool creates a pool over the given store and OAuth endpoint.
func NewPool(database *gorm.DB, client *upstream.Client, resolver IdentityResolver, tokenEndpoint, clientID string) *Pool {
	return &Pool{
		database:      database,
		client:        client,
		resolver:      resolver,
		tokenEndpoint: tokenEndpoint,
		clientID:      clientID,
		store:         make(map[string]Credential),
	}
}

// TokenID derives the stable credential id from a refresh secret. Re-uploading
// the same secret therefore upserts the same row.
func TokenID(refreshToken string) string {
	if len(refreshToken) <= IDLength {
		return refreshToken
	}
	return refreshToken[:IDLength]
}

// Load rebuilds the in-memory mirror from the database.
func (p *Pool) Load() error {
	var rows []models.Token
	if err := p.database.Find(&rows).Error; err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Full rebuild keeps the mirror consistent with the stored set.
	p.store = make(map[string]Credential, len(rows))
	for _, row := range rows {
		p.store[row.ID] = Credential{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			ExpiresAt:    row.ExpiresAt,
			UploadedAt:   row.UploadedAt,
			UsageCount:   row.UsageCount,
		}
	}
	return nil
}

// Save upserts a credential in both mirror and store.
func (p *Pool) Save(id string, cred Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(id, cred)
}

func (p *Pool) saveLocked(id string, cred Credential) error {
	row := models.Token{
		ID:           id,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		UploadedAt:   cred.UploadedAt,
		UsageCount:   cred.UsageCount,
	}
	if err := p.database.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	p.store[id] = cred
	return nil
}

// Delete removes a credential from mirror and store.
func (p *Pool) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteLocked(id)
}

func (p *Pool) deleteLocked(id string) error {
	if err := p.database.Delete(&models.Token{}, "id = ?", id).Error; err != nil {
		return err
	}
	delete(p.store, id)
	return nil
}

// DeleteAll clears the pool and the store.
func (p *Pool) DeleteAll() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := len(p.store)
	if err := p.database.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Token{}).Error; err != nil {
		return 0, err
	}
	p.store = make(map[string]Credential)
	return count, nil
}

// Get returns a credential by id.
func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cred, ok := p.store[id]
	return cred, ok
}

// Count returns the number of credentials in the pool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.store)
}

// IncrementUsage counts one completed exchange against a credential.
func (p *Pool) IncrementUsage(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.database.Model(&models.Token{}).Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error; err != nil {
		return err
	}
	if cred, ok := p.store[id]; ok {
		cred.UsageCount++
		p.store[id] = cred
	}
	return nil
}

// SelectValid returns one usable credential, chosen at random. Entries are
// scanned in randomized order; expired entries get an inline forced refresh,
// and entries whose refresh fails permanently are removed on the spot.
func (p *Pool) SelectValid(ctx context.Context) (string, Credential, error) {
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
		return "", Credential{}, ErrNoToken
	}

	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	nowMs := time.Now().UnixMilli()
	var eligible []entry
	for _, e := range entries {
		if !e.cred.Expired(nowMs) {
			eligible = append(eligible, e)
			continue
		}

		refreshed, err := p.ForceRefresh(ctx, e.id)
		if err == nil {
			eligible = append(eligible, entry{id: e.id, cred: refreshed})
			continue
		}
		if IsPermanent(err) {
			log.Printf("⚠️ Detected invalid token during selection, removed: %s", e.id)
			if derr := p.Delete(e.id); derr != nil {
				log.Printf("⚠️ Failed to delete token %s: %v", e.id, derr)
			}
		}
		// Transient failures leave the entry for the next selection or sweep.
	}

	if len(eligible) == 0 {
		return "", Credential{}, ErrNoToken
	}

	picked := eligible[rand.Intn(len(eligible))]
	return picked.id, picked.cred, nil
}

// TokenStatus is one entry of a status report.
type TokenStatus struct {
	ID                string `json:"id"`
	ExpiresAt         *int64 `json:"expiresAt"`
	ExpiresAtDisplay  string `json:"expiresAtDisplay"`
	IsExpired         bool   `json:"isExpired"`
	UploadedAt        int64  `json:"uploadedAt"`
	UploadedAtDisplay string `json:"uploadedAtDisplay"`
	UsageCount        int64  `json:"usageCount"`
	RefreshFailed     bool   `json:"refreshFailed,omitempty"`
}

// StatusReport summarizes the pool for the admin API.
type StatusReport struct {
	HasToken   bool          `json:"hasToken"`
	TokenCount int           `json:"tokenCount"`
	Tokens     []TokenStatus `json:"tokens"`
}

// Status reports every credential with display-friendly timestamps.
func (p *Pool) Status() StatusReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	nowMs := time.Now().UnixMilli()
	tokens := make([]TokenStatus, 0, len(p.store))
	for id, cred := range p.store {
		expired := cred.Expired(nowMs)
		tokens = append(tokens, TokenStatus{
			ID:                id,
			ExpiresAt:         cred.ExpiresAt,
			ExpiresAtDisplay:  formatEpochMs(cred.ExpiresAt),
			IsExpired:         expired,
			UploadedAt:        cred.UploadedAt,
			UploadedAtDisplay: formatEpochMs(&cred.UploadedAt),
			UsageCount:        cred.UsageCount,
			RefreshFailed:     expired,
		})
	}

	return StatusReport{
		HasToken:   len(tokens) > 0,
		TokenCount: len(tokens),
		Tokens:     tokens,
	}
}

func formatEpochMs(ms *int64) string {
	if ms == nil || *ms == 0 {
		return "unknown"
	}
	return time.UnixMilli(*ms).Local().Format("2006-01-02 15:04:05")
}
