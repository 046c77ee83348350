// Package auth verifies the caller identity tokens issued by the upstream
// identity provider.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	b64 = base64.RawURLEncoding

	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when the exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
)

// SignHS256 creates a compact JWT string using HS256.
func SignHS256(claims map[string]any, secret []byte) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	h, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	c, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := b64.EncodeToString(h) + "." + b64.EncodeToString(c)
	return unsigned + "." + b64.EncodeToString(sign(unsigned, secret)), nil
}

// ParseAndVerifyHS256 verifies token signature and expiry and returns claims.
func ParseAndVerifyHS256(token string, secret []byte) (map[string]any, error) {
	return parseAndVerify(token, secret, time.Now())
}

func parseAndVerify(token string, secret []byte, now time.Time) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	rawHeader, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil || header.Alg != "HS256" {
		return nil, ErrInvalidToken
	}

	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(sig, sign(parts[0]+"."+parts[1], secret)) {
		return nil, ErrInvalidToken
	}

	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if exp, ok := claims["exp"].(float64); ok && now.Unix() >= int64(exp) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func sign(unsigned string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unsigned))
	return mac.Sum(nil)
}
