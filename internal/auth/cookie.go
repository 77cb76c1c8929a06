// Package auth signs the cookie that admits a local UI to the agent API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCookie = errors.New("auth: invalid cookie")
	ErrExpired       = errors.New("auth: session expired")
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignCookie creates a signed cookie value in the format "value|signature"
func (s *Signer) SignCookie(value string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	signature := mac.Sum(nil)
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(signature))
}

// VerifyCookie verifies the signed cookie and returns the original value
func (s *Signer) VerifyCookie(signedValue string) (string, error) {
	valueBase64, signatureBase64, ok := strings.Cut(signedValue, "|")
	if !ok {
		return "", fmt.Errorf("%w: format", ErrInvalidCookie)
	}

	valueBytes, err := base64.URLEncoding.DecodeString(valueBase64)
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrInvalidCookie)
	}
	signature, err := base64.URLEncoding.DecodeString(signatureBase64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidCookie)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(valueBytes)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", fmt.Errorf("%w: signature", ErrInvalidCookie)
	}
	return string(valueBytes), nil
}

// SignSession binds subject to an expiry.
func (s *Signer) SignSession(subject string, expires time.Time) string {
	return s.SignCookie(subject + "|" + strconv.FormatInt(expires.Unix(), 10))
}

// VerifySession returns the subject of a cookie made by SignSession.
func (s *Signer) VerifySession(signed string, now time.Time) (string, error) {
	value, err := s.VerifyCookie(signed)
	if err != nil {
		return "", err
	}
	i := strings.LastIndex(value, "|")
	if i < 0 {
		return "", fmt.Errorf("%w: missing expiry", ErrInvalidCookie)
	}
	exp, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: expiry", ErrInvalidCookie)
	}
	if !now.Before(time.Unix(exp, 0)) {
		return "", ErrExpired
	}
	return value[:i], nil
}
