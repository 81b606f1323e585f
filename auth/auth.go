// Package auth turns a Google service-account key into short-lived access
// tokens.
//
// The flow is the two-legged OAuth JWT assertion grant: a claims set signed
// with the account's RSA key is exchanged at the Google token endpoint for a
// bearer token. Tokens are cached in memory and refreshed once their
// remaining lifetime falls below a safety margin; the refresh is serialised
// so concurrent callers never trigger parallel exchanges.
package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenEndpoint = "https://oauth2.googleapis.com/token"

// DriveReadOnlyScope is the only scope Bernard needs: the mirror is
// read-only with respect to Drive.
const DriveReadOnlyScope = "https://www.googleapis.com/auth/drive.readonly"

// ErrInvalidKey occurs when the service-account key file cannot be read,
// decoded, or its private key is not valid PEM-encoded RSA.
var ErrInvalidKey = errors.New("auth: invalid service account key")

// ErrRejected occurs when the token endpoint refuses the assertion.
// This is a configuration error and is not retried.
var ErrRejected = errors.New("auth: token request rejected")

// ErrExchange is a transport-level failure while exchanging the assertion.
// The caller may retry.
var ErrExchange = errors.New("auth: token exchange failed")

// Account holds the service-account identity and its parsed signing key.
type Account struct {
	Email string

	key *rsa.PrivateKey
}

// FromFile reads a service-account JSON key file, requiring at least
// `client_email` and a PEM RSA `private_key`.
func FromFile(path string) (*Account, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidKey)
	}
	defer file.Close()

	return FromReader(file)
}

// FromReader decodes a service-account JSON key.
func FromReader(r io.Reader) (*Account, error) {
	var key struct {
		Email      string `json:"client_email"`
		PrivateKey string `json:"private_key"`
	}

	if err := json.NewDecoder(r).Decode(&key); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidKey)
	}

	if key.Email == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("missing client_email or private_key: %w", ErrInvalidKey)
	}

	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidKey)
	}

	return &Account{Email: key.Email, key: priv}, nil
}

// An Option overrides a default Service value.
type Option func(*Service)

// WithClient overrides the HTTP client used for the token exchange.
func WithClient(client *http.Client) Option {
	return func(service *Service) {
		service.client = client
	}
}

// WithEndpoint overrides the token endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(service *Service) {
		service.endpoint = endpoint
	}
}

// WithScopes overrides the default drive.readonly scope.
func WithScopes(scopes ...string) Option {
	return func(service *Service) {
		service.scopes = scopes
	}
}

// Service mints access tokens on demand. It implements the Authenticator
// interface of the root bernard package.
type Service struct {
	account  *Account
	client   *http.Client
	endpoint string
	scopes   []string
	lifetime time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time

	now func() time.Time
}

// New creates a token Service for the given account.
func New(account *Account, opts ...Option) *Service {
	service := &Service{
		account:  account,
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: tokenEndpoint,
		scopes:   []string{DriveReadOnlyScope},
		lifetime: time.Hour,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// refreshMargin is how long before expiry a cached token is considered
// stale.
const refreshMargin = 60 * time.Second

// AccessToken returns a valid bearer token and its expiry as a Unix
// timestamp, refreshing the cached token when its remaining lifetime has
// fallen below the safety margin.
func (service *Service) AccessToken() (string, int64, error) {
	service.mu.Lock()
	defer service.mu.Unlock()

	if service.token != "" && service.now().Add(refreshMargin).Before(service.expiry) {
		return service.token, service.expiry.Unix(), nil
	}

	token, expiry, err := service.exchange()
	if err != nil {
		return "", 0, err
	}

	service.token = token
	service.expiry = expiry

	return token, expiry.Unix(), nil
}

func (service *Service) exchange() (string, time.Time, error) {
	assertion, err := service.assertion()
	if err != nil {
		return "", time.Time{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	res, err := service.client.PostForm(service.endpoint, form)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%v: %w", err, ErrExchange)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))

		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return "", time.Time{}, fmt.Errorf("%v: %s: %w", res.Status, body, ErrRejected)
		}

		return "", time.Time{}, fmt.Errorf("%v: %w", res.Status, ErrExchange)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return "", time.Time{}, fmt.Errorf("%v: %w", err, ErrExchange)
	}

	return token.AccessToken, service.now().Add(time.Duration(token.ExpiresIn) * time.Second), nil
}

// assertion signs the RS256 claims set of the JWT bearer grant.
func (service *Service) assertion() (string, error) {
	iat := service.now()

	claims := jwt.MapClaims{
		"iss":   service.account.Email,
		"scope": strings.Join(service.scopes, " "),
		"aud":   tokenEndpoint,
		"iat":   iat.Unix(),
		"exp":   iat.Add(service.lifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err := token.SignedString(service.account.key)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrInvalidKey)
	}

	return signed, nil
}
