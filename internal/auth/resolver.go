package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
)

// Errors
var (
	ErrMissingIdentity = errors.New("missing identity")
	ErrBadSignature    = errors.New("invalid handshake signature")
	ErrClockSkew       = errors.New("handshake timestamp outside allowed skew")
)

// Resolver authenticates a websocket handshake and yields the user id.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) Resolve(r *http.Request) (string, error) { return f(r) }

// HeaderResolver trusts the identity header. Use only behind a trusted proxy.
type HeaderResolver struct {
	Header string // defaults to HeaderUser
}

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = HeaderUser
	}
	user := r.Header.Get(name)
	if user == "" {
		return "", fmt.Errorf("%w: header %s", ErrMissingIdentity, name)
	}
	return user, nil
}

// SignatureResolver verifies handshakes signed by Credentials.
type SignatureResolver struct {
	PublicKey *rsa.PublicKey
	MaxSkew   time.Duration
	Clock     clock.Clock // nil = wall clock
}

func (s SignatureResolver) Resolve(r *http.Request) (string, error) {
	user := r.Header.Get(HeaderUser)
	if user == "" {
		return "", fmt.Errorf("%w: header %s", ErrMissingIdentity, HeaderUser)
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: timestamp: %v", ErrBadSignature, err)
	}

	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	skew := clk.Now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if s.MaxSkew > 0 && skew > s.MaxSkew {
		return "", fmt.Errorf("%w: %s", ErrClockSkew, skew)
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return "", fmt.Errorf("%w: encoding: %v", ErrBadSignature, err)
	}

	if err := verifyHandshake(s.PublicKey, ts, r.Method, r.URL.Path, user, sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return user, nil
}
