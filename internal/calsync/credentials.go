package calsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// expirySkew triggers a refresh slightly before the recorded expiry so a
// token never goes stale mid-request.
const expirySkew = 30 * time.Second

type CredentialManagerOptions struct {
	Store      CredentialStore
	OAuth      *oauth2.Config
	RevokeURL  string
	HTTPClient *http.Client
	// StateSecret signs the OAuth state parameter so the callback can recover
	// the owning user id without guessing.
	StateSecret string
	Now         func() time.Time
}

// CredentialManager owns the OAuth credential lifecycle: consent, exchange,
// refresh, disconnect. It is keyed by user id on every call.
type CredentialManager struct {
	store       CredentialStore
	oauth       *oauth2.Config
	revokeURL   string
	httpClient  *http.Client
	stateSecret string
	now         func() time.Time
}

func NewCredentialManager(opts CredentialManagerOptions) *CredentialManager {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	stateSecret := opts.StateSecret
	if stateSecret == "" {
		stateSecret = "dev-state-secret"
	}
	return &CredentialManager{
		store:       opts.Store,
		oauth:       opts.OAuth,
		revokeURL:   strings.TrimSpace(opts.RevokeURL),
		httpClient:  httpClient,
		stateSecret: stateSecret,
		now:         now,
	}
}

// ConsentURL returns the provider consent page URL. The state parameter
// embeds the signed owning user id, so the callback and any notification
// channel configured from it carry an explicit owner reference.
func (m *CredentialManager) ConsentURL(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}
	state := m.signState(userID)
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// VerifyState recovers the user id from a signed state parameter.
func (m *CredentialManager) VerifyState(state string) (string, error) {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed state: %w", ErrInvalidInput)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed state: %w", ErrInvalidInput)
	}
	userID := string(raw)
	if m.signState(userID) != state {
		return "", fmt.Errorf("state signature mismatch: %w", ErrInvalidInput)
	}
	return userID, nil
}

func (m *CredentialManager) signState(userID string) string {
	mac := hmac.New(sha256.New, []byte(m.stateSecret))
	_, _ = mac.Write([]byte(userID))
	return base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + hex.EncodeToString(mac.Sum(nil))
}

// HandleCallback exchanges the authorization code and stores the credential.
func (m *CredentialManager) HandleCallback(ctx context.Context, userID, code string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(code) == "" {
		return fmt.Errorf("user id and code are required: %w", ErrInvalidInput)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	token, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return classifyOAuthError(err)
	}
	return m.storeToken(ctx, userID, token)
}

// Token returns a valid access token for the user, synchronously refreshing
// an expired one first. A rejected refresh surfaces ErrAuthExpired and is
// never retried here: the caller must prompt re-consent.
func (m *CredentialManager) Token(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if cred.AccessToken != "" && cred.Expiry.After(m.now().Add(expirySkew)) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token for user %s: %w", userID, ErrAuthExpired)
	}

	// Refresh through an expired token source. A concurrent refresh produces
	// at most a duplicate provider call; both results are valid and the store
	// upsert keeps the pair consistent.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return "", classifyOAuthError(err)
	}
	if err := m.storeRefreshed(ctx, cred, token); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// TokenProvider adapts the manager to the calendar client's callback shape.
func (m *CredentialManager) TokenProvider() TokenProvider {
	return func(ctx context.Context, userID string) (string, error) {
		return m.Token(ctx, userID)
	}
}

// Connected reports whether the user has a stored credential.
func (m *CredentialManager) Connected(ctx context.Context, userID string) (bool, error) {
	_, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Disconnect revokes the grant best-effort and deletes the local credential.
// The local delete happens even when the remote revoke fails, so a user is
// never stuck connected to a broken integration.
func (m *CredentialManager) Disconnect(ctx context.Context, userID string) error {
	cred, err := m.store.GetCredential(ctx, userID)
	if err == nil && m.revokeURL != "" && cred.AccessToken != "" {
		if revokeErr := m.revoke(ctx, cred.AccessToken); revokeErr != nil {
			log.Printf("calsync: remote revoke failed for user %s: %v", userID, revokeErr)
		}
	}
	return m.store.DeleteCredential(ctx, userID)
}

func (m *CredentialManager) revoke(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
}

func (m *CredentialManager) storeToken(ctx context.Context, userID string, token *oauth2.Token) error {
	cred := CalendarCredential{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry.UTC(),
		Scope:        strings.Join(m.oauth.Scopes, " "),
	}
	return m.store.UpsertCredential(ctx, cred)
}

func (m *CredentialManager) storeRefreshed(ctx context.Context, previous CalendarCredential, token *oauth2.Token) error {
	cred := previous
	cred.AccessToken = token.AccessToken
	// The provider may omit a refresh token on refresh. The store keeps the
	// previous one in that case; passing it through here keeps the write
	// idempotent either way.
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.Expiry = token.Expiry.UTC()
	return m.store.UpsertCredential(ctx, cred)
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized ||
			(status == http.StatusBadRequest && retrieveErr.ErrorCode != "") {
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	return classifyTransportError(err)
}
