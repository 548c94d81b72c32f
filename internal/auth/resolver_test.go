package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, creds *Credentials, path string) *http.Request {
	t.Helper()
	headers, err := creds.SignHandshake(path)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestSignatureResolver_Valid(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{UserID: "player-1", PrivateKey: key}

	resolver := SignatureResolver{PublicKey: &key.PublicKey, MaxSkew: time.Minute}
	user, err := resolver.Resolve(signedRequest(t, creds, "/ws"))
	require.NoError(t, err)
	assert.Equal(t, "player-1", user)
}

func TestSignatureResolver_Rejects(t *testing.T) {
	key := testKey(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	creds := &Credentials{UserID: "player-1", PrivateKey: key}

	tests := []struct {
		name    string
		mutate  func(r *http.Request)
		key     *rsa.PublicKey
		wantErr error
	}{
		{
			name:    "wrong key",
			mutate:  func(r *http.Request) {},
			key:     &other.PublicKey,
			wantErr: ErrBadSignature,
		},
		{
			name:    "impersonation",
			mutate:  func(r *http.Request) { r.Header.Set(HeaderUser, "player-2") },
			key:     &key.PublicKey,
			wantErr: ErrBadSignature,
		},
		{
			name:    "different path",
			mutate:  func(r *http.Request) { r.URL.Path = "/admin" },
			key:     &key.PublicKey,
			wantErr: ErrBadSignature,
		},
		{
			name:    "missing user",
			mutate:  func(r *http.Request) { r.Header.Del(HeaderUser) },
			key:     &key.PublicKey,
			wantErr: ErrMissingIdentity,
		},
		{
			name:    "garbage timestamp",
			mutate:  func(r *http.Request) { r.Header.Set(HeaderTimestamp, "yesterday") },
			key:     &key.PublicKey,
			wantErr: ErrBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, creds, "/ws")
			tt.mutate(req)

			_, err := SignatureResolver{PublicKey: tt.key}.Resolve(req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSignatureResolver_ClockSkew(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{UserID: "player-1", PrivateKey: key}
	req := signedRequest(t, creds, "/ws")

	ts, err := strconv.ParseInt(req.Header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(ts).Add(2 * time.Minute))

	_, err = SignatureResolver{PublicKey: &key.PublicKey, MaxSkew: time.Minute, Clock: clk}.Resolve(req)
	assert.ErrorIs(t, err, ErrClockSkew)
}

func TestHeaderResolver(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	_, err := HeaderResolver{}.Resolve(req)
	assert.ErrorIs(t, err, ErrMissingIdentity)

	req.Header.Set(HeaderUser, "dev-user")
	user, err := HeaderResolver{}.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", user)
}

func TestLoadPublicKey(t *testing.T) {
	key := testKey(t)

	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	blocks := map[string]*pem.Block{
		"pkix":  {Type: "PUBLIC KEY", Bytes: pkix},
		"pkcs1": {Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)},
	}

	for name, block := range blocks {
		t.Run(name, func(t *testing.T) {
			loaded, err := LoadPublicKey(writePEM(t, block))
			require.NoError(t, err)
			assert.Zero(t, loaded.N.Cmp(key.N), "loaded key does not match original")
		})
	}
}
