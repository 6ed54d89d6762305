package tablepoll

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// Credentials are the OAuth client and user credentials of the Table API.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"
)

// AuthSession holds the current bearer token.
//
// The token is replaced in place by Refresh; readers see either the old or the
// new token, never a partial one.
type AuthSession struct {
	conf        *oauth2.Config
	credentials Credentials
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *Metrics

	mu    sync.RWMutex
	token *oauth2.Token
}

func newAuthSession(tokenURL string, credentials Credentials, httpClient *http.Client, logger *slog.Logger, metrics *Metrics) *AuthSession {
	return &AuthSession{
		conf: &oauth2.Config{
			ClientID:     credentials.ClientID,
			ClientSecret: credentials.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		credentials: credentials,
		httpClient:  httpClient,
		logger:      logger,
		metrics:     metrics,
	}
}

// AccessToken returns the current access token, or "" before the first grant.
func (s *AuthSession) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

func (s *AuthSession) refreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.RefreshToken
}

// Login acquires a token with the password grant.
func (s *AuthSession) Login(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := s.conf.PasswordCredentialsToken(ctx, s.credentials.Username, s.credentials.Password)
	s.metrics.observeTokenRefresh(grantPassword, err)
	if err != nil {
		return fmt.Errorf("password grant: %w", err)
	}
	s.set(token)
	return nil
}

// Refresh replaces the current token. The refresh token grant is tried first
// when a refresh token is known, then the password grant. A failure is logged
// and the current token is kept.
func (s *AuthSession) Refresh(ctx context.Context) {
	if rt := s.refreshToken(); rt != "" {
		hctx := context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
		token, err := s.conf.TokenSource(hctx, &oauth2.Token{RefreshToken: rt}).Token()
		s.metrics.observeTokenRefresh(grantRefresh, err)
		if err == nil {
			s.set(token)
			s.logger.InfoContext(ctx, "refreshed access token", slog.String("grant", grantRefresh))
			return
		}
		s.logger.WarnContext(ctx, "refresh token grant failed", slog.Any("error", err))
	}

	if err := s.Login(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to refresh access token", slog.Any("error", err))
		return
	}
	s.logger.InfoContext(ctx, "refreshed access token", slog.String("grant", grantPassword))
}

func (s *AuthSession) set(token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}
