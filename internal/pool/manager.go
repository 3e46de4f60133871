package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/cetaceang/antigravity2api/internal/interfaces"
)

// ErrPoolExhausted is returned by Checkout when no enabled account remains.
var ErrPoolExhausted = interfaces.NewStatusError(http.StatusServiceUnavailable, interfaces.ErrorTypePoolExhausted, "all accounts are disabled")

// Manager owns the in-memory pool state: the ordered account list, the
// rotation cursor and the per-account refresh flights. All pool mutations
// happen under a single mutex; refresh exchanges run outside it.
type Manager struct {
	mu       sync.Mutex
	store    *FileStore
	accounts []*Account
	oauth    OAuthSettings

	cursor        int
	useCount      int
	rotationCount int

	refreshGroup singleflight.Group

	// httpClient backs the oauth2 refresh exchange; overridable in tests.
	httpClient *http.Client
	now        func() time.Time
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// RotationCount is how many checkouts one account serves before the
	// cursor advances. Values below 1 fall back to 3.
	RotationCount int
	// OAuth overrides the oauth settings persisted in the store when the
	// stored values are empty.
	OAuth OAuthSettings
	// HTTPClient is used for refresh exchanges; nil means http.DefaultClient.
	HTTPClient *http.Client
}

// NewManager loads the pool state from the store and returns a ready manager.
func NewManager(store *FileStore, opts ManagerOptions) (*Manager, error) {
	state, err := store.Load()
	if err != nil {
		return nil, err
	}

	oauthSettings := state.OAuthConfig
	if oauthSettings.ClientID == "" {
		oauthSettings.ClientID = opts.OAuth.ClientID
	}
	if oauthSettings.ClientSecret == "" {
		oauthSettings.ClientSecret = opts.OAuth.ClientSecret
	}
	if oauthSettings.TokenURL == "" {
		oauthSettings.TokenURL = opts.OAuth.TokenURL
	}

	rotation := opts.RotationCount
	if rotation < 1 {
		rotation = 3
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Manager{
		store:         store,
		accounts:      state.Projects,
		oauth:         oauthSettings,
		rotationCount: rotation,
		httpClient:    httpClient,
		now:           time.Now,
	}, nil
}

// Accounts returns a snapshot of the account list for status reporting.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Checkout returns the next account by round-robin rotation. The same
// account is returned for rotationCount consecutive checkouts, then the
// cursor advances to the next enabled account. Disabled accounts are
// skipped without disturbing the order of the rest.
func (m *Manager) Checkout() (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return nil, ErrPoolExhausted
	}
	anyEnabled := false
	for _, a := range m.accounts {
		if a.Enabled {
			anyEnabled = true
			break
		}
	}
	if !anyEnabled {
		return nil, ErrPoolExhausted
	}

	// Advance the cursor once the current account served its share.
	if m.useCount >= m.rotationCount {
		m.useCount = 0
		for attempts := 0; attempts < len(m.accounts); attempts++ {
			m.cursor = (m.cursor + 1) % len(m.accounts)
			if m.accounts[m.cursor].Enabled {
				break
			}
		}
	}

	for attempts := 0; attempts < len(m.accounts); attempts++ {
		account := m.accounts[m.cursor]
		if account.Enabled {
			m.useCount++
			log.WithFields(log.Fields{"project": account.ProjectID}).Debugf(
				"pool: checkout %d/%d (slot %d of %d)", m.useCount, m.rotationCount, m.cursor+1, len(m.accounts))
			return account, nil
		}
		m.cursor = (m.cursor + 1) % len(m.accounts)
		m.useCount = 0
	}

	return nil, ErrPoolExhausted
}

// SetRotationCount updates the rotation policy at runtime.
func (m *Manager) SetRotationCount(n int) {
	if n < 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotationCount = n
}

// EnsureFresh returns a valid access token for the account, refreshing it
// when missing or near expiry. Concurrent callers for the same account share
// a single refresh exchange.
func (m *Manager) EnsureFresh(ctx context.Context, account *Account) (string, error) {
	m.mu.Lock()
	expired := account.TokenExpired(m.now())
	token := account.AccessToken
	m.mu.Unlock()

	if !expired {
		return token, nil
	}
	return m.refresh(ctx, account, false)
}

// HandleAuthFailure performs the single forced refresh taken after an
// upstream authentication rejection. The caller retries the upstream call
// with the returned token and disables the account if that retry is
// rejected again.
func (m *Manager) HandleAuthFailure(ctx context.Context, account *Account) (string, error) {
	log.WithFields(log.Fields{"project": account.ProjectID}).Warn("pool: auth failure reported, forcing token refresh")
	return m.refresh(ctx, account, true)
}

// refresh performs the oauth2 refresh exchange. Flights are deduplicated per
// account: the first caller executes the exchange, the rest wait and share
// its result.
func (m *Manager) refresh(ctx context.Context, account *Account, force bool) (string, error) {
	key := account.ProjectID
	if force {
		key += "!force"
	}
	result, err, _ := m.refreshGroup.Do(key, func() (any, error) {
		// Double-check under the flight: another request may have already
		// refreshed this account while we waited.
		if !force {
			m.mu.Lock()
			expired := account.TokenExpired(m.now())
			token := account.AccessToken
			m.mu.Unlock()
			if !expired {
				log.WithFields(log.Fields{"project": account.ProjectID}).Debug("pool: token already refreshed by another request")
				return token, nil
			}
		}
		return m.doRefresh(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, account *Account) (string, error) {
	log.WithFields(log.Fields{"project": account.ProjectID}).Info("pool: refreshing access token")

	conf := &oauth2.Config{
		ClientID:     m.oauth.ClientID,
		ClientSecret: m.oauth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.oauth.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return "", classifyRefreshError(account, err)
	}

	expiresAt := token.Expiry.Unix()
	if token.Expiry.IsZero() {
		expiresAt = m.now().Add(time.Hour).Unix()
	}

	m.mu.Lock()
	account.AccessToken = token.AccessToken
	account.ExpiresAt = expiresAt
	state := m.snapshotLocked()
	m.mu.Unlock()

	if errSave := m.store.Save(state); errSave != nil {
		log.WithFields(log.Fields{"project": account.ProjectID}).Errorf("pool: failed to persist refreshed token: %v", errSave)
	}

	log.WithFields(log.Fields{"project": account.ProjectID}).Infof("pool: token refreshed, expires at %s", time.Unix(expiresAt, 0).Format(time.RFC3339))
	return token.AccessToken, nil
}

// classifyRefreshError separates permanent auth rejections from transient
// exchange failures. Only the former may lead to account disablement.
func classifyRefreshError(account *Account, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden {
			log.WithFields(log.Fields{"project": account.ProjectID, "status": code}).Error("pool: refresh rejected")
			return interfaces.NewStatusError(code, interfaces.ErrorTypeCredentialExpired, "token refresh rejected: "+string(retrieveErr.Body))
		}
		log.WithFields(log.Fields{"project": account.ProjectID, "status": code}).Warn("pool: transient refresh failure")
		return interfaces.NewStatusError(http.StatusBadGateway, interfaces.ErrorTypeUnavailable, "token refresh failed: "+string(retrieveErr.Body))
	}
	log.WithFields(log.Fields{"project": account.ProjectID}).Warnf("pool: refresh exchange error: %v", err)
	return interfaces.NewStatusError(http.StatusBadGateway, interfaces.ErrorTypeUnavailable, "token refresh failed: "+err.Error())
}

// Disable permanently disables an account and persists the change. The
// transition is one-way; re-enabling requires editing the token file.
func (m *Manager) Disable(account *Account, reason string) {
	m.mu.Lock()
	account.Enabled = false
	account.DisabledReason = reason
	state := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(state); err != nil {
		log.WithFields(log.Fields{"project": account.ProjectID}).Errorf("pool: failed to persist disablement: %v", err)
	}
	log.WithFields(log.Fields{"project": account.ProjectID, "reason": reason}).Error("pool: account disabled")
}

// snapshotLocked assembles the persistable state. Callers hold m.mu.
func (m *Manager) snapshotLocked() *State {
	projects := make([]*Account, len(m.accounts))
	copy(projects, m.accounts)
	return &State{OAuthConfig: m.oauth, Projects: projects}
}
