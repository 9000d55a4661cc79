package bigquery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ternarybob/relay/internal/httpclient"
	"github.com/ternarybob/relay/internal/syncerrors"
)

const (
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	scopeReadonly   = "https://www.googleapis.com/auth/bigquery.readonly"
	tokenLifetime   = 3600 * time.Second
	// refreshMargin forces a new token well before expiry so a long
	// upstream call never straddles an expired credential.
	refreshMargin = 60 * time.Second
)

// tokenSource mints BigQuery access tokens from service-account
// credentials via the RS256 JWT-bearer grant and caches them until
// shortly before expiry.
type tokenSource struct {
	clientEmail string
	privateKey  string
	tokenURI    string
	client      *httpclient.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(clientEmail, privateKey, tokenURI string, client *httpclient.Client) *tokenSource {
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}
	return &tokenSource{
		clientEmail: clientEmail,
		privateKey:  privateKey,
		tokenURI:    tokenURI,
		client:      client,
	}
}

// Token returns a cached access token, minting a fresh one when within
// the refresh margin of expiry.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expires) > refreshMargin {
		return t.token, nil
	}

	assertion, err := t.signAssertion()
	if err != nil {
		return "", err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err = t.client.DoJSON(ctx, httpclient.Request{
		Method: "POST",
		URL:    t.tokenURI,
		Form: url.Values{
			"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
			"assertion":  {assertion},
		},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to exchange service account assertion: %w", err)
	}
	if resp.AccessToken == "" {
		return "", &syncerrors.AuthError{StatusCode: 0, Body: "token endpoint returned no access_token"}
	}

	t.token = resp.AccessToken
	t.expires = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return t.token, nil
}

func (t *tokenSource) signAssertion() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(t.privateKey))
	if err != nil {
		return "", &syncerrors.ConfigError{Field: "private_key", Reason: fmt.Sprintf("not a PEM RSA key: %v", err)}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   t.clientEmail,
		"scope": scopeReadonly,
		"aud":   t.tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign service account assertion: %w", err)
	}
	return assertion, nil
}
