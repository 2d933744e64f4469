// Package auth implements OneBot access-token and webhook signature checks.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingToken     = errors.New("access token missing")
	ErrInvalidToken     = errors.New("access token invalid")
	ErrMissingSignature = errors.New("signature missing")
	ErrInvalidSignature = errors.New("signature invalid")
)

// QueryParam is the query parameter carrying the access token.
const QueryParam = "access_token"

// SignatureHeader carries the HMAC-SHA1 of a webhook body.
const SignatureHeader = "X-Signature"

// Method selects where an outbound access token is placed.
type Method int

const (
	MethodHeader Method = iota // Authorization: Bearer <token>
	MethodQuery                // ?access_token=<token>
)

// ParseMethod maps a config value to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "header":
		return MethodHeader, nil
	case "query":
		return MethodQuery, nil
	default:
		return MethodHeader, fmt.Errorf("unknown token method %q", s)
	}
}

// Token is an access token for requests to an upstream OneBot endpoint.
type Token struct {
	Value  string
	Method Method
}

// Apply attaches the token to req. An empty token leaves req untouched.
func (t Token) Apply(req *http.Request) {
	if t.Value == "" {
		return
	}
	switch t.Method {
	case MethodQuery:
		q := req.URL.Query()
		q.Set(QueryParam, t.Value)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("Authorization", "Bearer "+t.Value)
	}
}

// RequestToken extracts the token a client presented.
// The Authorization header (Bearer or Token scheme) wins over the query parameter.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "Token")) {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return r.URL.Query().Get(QueryParam)
}

// VerifyRequest checks the token presented on r against expected.
// Every request passes when expected is empty.
func VerifyRequest(r *http.Request, expected string) error {
	if expected == "" {
		return nil
	}
	got := RequestToken(r)
	if got == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// StatusCode maps a verification error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrMissingSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Sign returns the signature header value for body: "sha1=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(header), []byte(Sign(secret, body))) {
		return ErrInvalidSignature
	}
	return nil
}
