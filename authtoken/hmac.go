package authtoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// hmacService implements the SIF_HMACSHA256 scheme. The shared secret never
// leaves the issuer: the payload is base64(sessionToken + ":" + signature)
// where signature = base64(HMAC-SHA256(secret, sessionToken + ":" +
// timestamp)). The timestamp travels beside the token and the verifier
// recomputes the signature over the original value, so the credential only
// verifies with the clock reading it was minted under.
type hmacService struct {
	// maxClockSkew bounds |now - timestamp| when positive; zero disables
	// the window check entirely.
	maxClockSkew time.Duration
}

var _ Service = hmacService{}

func (hmacService) Method() Method { return MethodHMACSHA256 }

func (hmacService) Generate(sessionToken, sharedSecret string) (Token, error) {
	if sessionToken == "" {
		return Token{}, fmt.Errorf("generate hmac token: empty session token")
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	payload := base64.StdEncoding.EncodeToString([]byte(sessionToken + ":" + signature(sessionToken, timestamp, sharedSecret)))
	return Token{Method: MethodHMACSHA256, Value: payload, Timestamp: timestamp}, nil
}

func (s hmacService) Verify(ctx context.Context, tok Token, lookup SecretLookup) (string, error) {
	if tok.Method != MethodHMACSHA256 {
		return "", &InvalidTokenError{Reason: fmt.Sprintf("scheme %q is not %q", tok.Method, MethodHMACSHA256)}
	}
	if tok.Timestamp == "" {
		return "", &InvalidTokenError{Reason: "missing timestamp"}
	}
	sessionToken, carriedSig, err := decodePayload(tok.Value)
	if err != nil {
		return "", err
	}

	if s.maxClockSkew > 0 {
		ts, err := time.Parse(time.RFC3339, tok.Timestamp)
		if err != nil {
			return "", &InvalidTokenError{Reason: fmt.Sprintf("unparseable timestamp %q", tok.Timestamp)}
		}
		if d := time.Since(ts); d > s.maxClockSkew || d < -s.maxClockSkew {
			return "", fmt.Errorf("token timestamp outside %s window: %w", s.maxClockSkew, ErrVerificationFailed)
		}
	}

	secret, ok := lookup(ctx, sessionToken)
	if !ok {
		return "", fmt.Errorf("no shared secret for %q: %w", sessionToken, ErrVerificationFailed)
	}
	expected := signature(sessionToken, tok.Timestamp, secret)
	if subtle.ConstantTimeCompare([]byte(carriedSig), []byte(expected)) != 1 {
		return "", fmt.Errorf("signature mismatch: %w", ErrVerificationFailed)
	}
	return sessionToken, nil
}

func signature(sessionToken, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionToken + ":" + timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
