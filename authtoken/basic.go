package authtoken

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// basicService implements the Basic scheme: the payload is
// base64(sessionToken + ":" + sharedSecret), so the secret itself rides in
// the credential and verification is a constant-time comparison against the
// secret the lookup returns.
type basicService struct{}

var _ Service = basicService{}

func (basicService) Method() Method { return MethodBasic }

func (basicService) Generate(sessionToken, sharedSecret string) (Token, error) {
	if sessionToken == "" {
		return Token{}, fmt.Errorf("generate basic token: empty session token")
	}
	payload := base64.StdEncoding.EncodeToString([]byte(sessionToken + ":" + sharedSecret))
	return Token{Method: MethodBasic, Value: payload}, nil
}

func (basicService) Verify(ctx context.Context, tok Token, lookup SecretLookup) (string, error) {
	if tok.Method != MethodBasic {
		return "", &InvalidTokenError{Reason: fmt.Sprintf("scheme %q is not %q", tok.Method, MethodBasic)}
	}
	sessionToken, carried, err := decodePayload(tok.Value)
	if err != nil {
		return "", err
	}

	secret, ok := lookup(ctx, sessionToken)
	if !ok {
		return "", fmt.Errorf("no shared secret for %q: %w", sessionToken, ErrVerificationFailed)
	}
	if subtle.ConstantTimeCompare([]byte(carried), []byte(secret)) != 1 {
		return "", fmt.Errorf("shared secret mismatch: %w", ErrVerificationFailed)
	}
	return sessionToken, nil
}

// decodePayload base64-decodes a token payload and splits it on the first
// colon into exactly two non-empty fields.
func decodePayload(value string) (left, right string, err error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", "", &InvalidTokenError{Reason: fmt.Sprintf("base64 decode: %v", err)}
	}
	left, right, found := strings.Cut(string(raw), ":")
	if !found || left == "" || right == "" {
		return "", "", &InvalidTokenError{Reason: "payload does not split into two non-empty fields"}
	}
	return left, right, nil
}
