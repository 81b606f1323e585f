package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// testKey generates a service-account JSON key with a fresh RSA key pair.
func testKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}

	key := map[string]string{
		"client_email": "bernard@example.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(block)),
	}

	encoded, err := json.Marshal(key)
	require.NoError(t, err)

	return string(encoded), &priv.PublicKey
}

func TestFromReader(t *testing.T) {
	key, _ := testKey(t)

	account, err := FromReader(strings.NewReader(key))
	require.NoError(t, err)
	require.Equal(t, "bernard@example.iam.gserviceaccount.com", account.Email)

	_, err = FromReader(strings.NewReader("not json"))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = FromReader(strings.NewReader(`{"client_email": "a@b.c"}`))
	require.ErrorIs(t, err, ErrInvalidKey, "missing private key")

	_, err = FromReader(strings.NewReader(`{"client_email": "a@b.c", "private_key": "garbage"}`))
	require.ErrorIs(t, err, ErrInvalidKey, "non-PEM private key")
}

func TestAccessToken(t *testing.T) {
	key, pub := testKey(t)
	account, err := FromReader(strings.NewReader(key))
	require.NoError(t, err)

	var requests int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		require.NoError(t, r.ParseForm())
		require.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		// The assertion must be a valid RS256 JWT with the expected claims.
		assertion := r.PostForm.Get("assertion")
		token, err := jwt.Parse(assertion, func(token *jwt.Token) (interface{}, error) {
			require.Equal(t, "RS256", token.Method.Alg())
			return pub, nil
		})
		require.NoError(t, err)

		claims := token.Claims.(jwt.MapClaims)
		require.Equal(t, account.Email, claims["iss"])
		require.Equal(t, DriveReadOnlyScope, claims["scope"])
		require.Equal(t, "https://oauth2.googleapis.com/token", claims["aud"])

		fmt.Fprintf(w, `{"access_token": "token-%d", "expires_in": 3600}`, requests)
	}))
	defer server.Close()

	service := New(account, WithEndpoint(server.URL))

	token, expiry, err := service.AccessToken()
	require.NoError(t, err)
	require.Equal(t, "token-1", token)
	require.Greater(t, expiry, time.Now().Unix())

	// The cached token is served without a second exchange.
	token, _, err = service.AccessToken()
	require.NoError(t, err)
	require.Equal(t, "token-1", token)
	require.Equal(t, 1, requests)
}

func TestAccessTokenRefresh(t *testing.T) {
	key, _ := testKey(t)
	account, err := FromReader(strings.NewReader(key))
	require.NoError(t, err)

	var requests int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprintf(w, `{"access_token": "token-%d", "expires_in": 3600}`, requests)
	}))
	defer server.Close()

	service := New(account, WithEndpoint(server.URL))

	now := time.Now()
	service.now = func() time.Time { return now }

	token, _, err := service.AccessToken()
	require.NoError(t, err)
	require.Equal(t, "token-1", token)

	// Within the safety margin of expiry the token is refreshed.
	now = now.Add(time.Hour - 30*time.Second)

	token, _, err = service.AccessToken()
	require.NoError(t, err)
	require.Equal(t, "token-2", token)
	require.Equal(t, 2, requests)
}

func TestAccessTokenRejected(t *testing.T) {
	key, _ := testKey(t)
	account, err := FromReader(strings.NewReader(key))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	service := New(account, WithEndpoint(server.URL))

	_, _, err = service.AccessToken()
	require.ErrorIs(t, err, ErrRejected)
}

func TestAccessTokenExchangeError(t *testing.T) {
	key, _ := testKey(t)
	account, err := FromReader(strings.NewReader(key))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	service := New(account, WithEndpoint(server.URL))

	_, _, err = service.AccessToken()
	require.ErrorIs(t, err, ErrExchange)
}
