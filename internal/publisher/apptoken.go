package publisher

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// AppAuth mints short-lived installation tokens for a GitHub App. App JWTs
// are signed locally with the App's private key; installation tokens are
// fetched through the API and cached until shortly before expiry.
type AppAuth struct {
	appID      int64
	privateKey *rsa.PrivateKey
	baseURL    string

	mu     sync.Mutex
	tokens map[int64]*cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func NewAppAuth(appID int64, privateKeyPath, baseURL string) (*AppAuth, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading App private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing App private key: %w", err)
	}
	return &AppAuth{
		appID:      appID,
		privateKey: key,
		baseURL:    baseURL,
		tokens:     make(map[int64]*cachedToken),
	}, nil
}

// appJWT signs a JWT identifying the App itself, valid for API calls like
// listing installations and minting installation tokens.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", a.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing App JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a valid token for the installation, minting a
// fresh one when the cached token is within a minute of expiry.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	if cached, ok := a.tokens[installationID]; ok && time.Until(cached.expiresAt) > time.Minute {
		token := cached.value
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	signed, err := a.appJWT()
	if err != nil {
		return "", err
	}

	appClient := github.NewClient(nil).WithAuthToken(signed)
	if a.baseURL != "" {
		appClient, err = appClient.WithEnterpriseURLs(a.baseURL, a.baseURL)
		if err != nil {
			return "", fmt.Errorf("configuring enterprise URLs: %w", err)
		}
	}

	token, _, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}

	a.mu.Lock()
	a.tokens[installationID] = &cachedToken{
		value:     token.GetToken(),
		expiresAt: token.GetExpiresAt().Time,
	}
	a.mu.Unlock()

	return token.GetToken(), nil
}

// HTTPClient returns an HTTP client that authenticates every request with the
// installation's token, refreshing it transparently.
func (a *AppAuth) HTTPClient(ctx context.Context, installationID int64) *http.Client {
	source := &installationTokenSource{auth: a, ctx: ctx, installationID: installationID}
	return oauth2.NewClient(ctx, source)
}

type installationTokenSource struct {
	auth           *AppAuth
	ctx            context.Context
	installationID int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.auth.InstallationToken(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token}, nil
}
