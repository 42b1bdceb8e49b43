package authtoken

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestBasicRoundTrip(t *testing.T) {
	svc, err := NewService(MethodBasic)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	cases := []struct{ sessionToken, secret string }{
		{"ABC", "S"},
		{"5b72f2d4-7d42-4d06-8cfb-eb2a73bd56b1", "guessed!"},
		{"ABC", "secret:with:colons"},
	}
	for _, tc := range cases {
		tok, err := svc.Generate(tc.sessionToken, tc.secret)
		if err != nil {
			t.Fatalf("Generate(%q): %v", tc.sessionToken, err)
		}
		if tok.Method != MethodBasic || tok.Timestamp != "" {
			t.Fatalf("unexpected token shape: %+v", tok)
		}
		got, err := svc.Verify(context.Background(), tok, StaticSecret(tc.secret))
		if err != nil {
			t.Fatalf("Verify(%q): %v", tc.sessionToken, err)
		}
		if got != tc.sessionToken {
			t.Fatalf("recovered session token = %q, want %q", got, tc.sessionToken)
		}
	}
}

func TestBasicWrongSecretFails(t *testing.T) {
	svc, _ := NewService(MethodBasic)
	tok, _ := svc.Generate("ABC", "S")
	_, err := svc.Verify(context.Background(), tok, StaticSecret("other"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestBasicMissingSecretFailsCleanly(t *testing.T) {
	svc, _ := NewService(MethodBasic)
	tok, _ := svc.Generate("ABC", "S")
	noSecret := func(context.Context, string) (string, bool) { return "", false }
	_, err := svc.Verify(context.Background(), tok, noSecret)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestHMACRoundTrip(t *testing.T) {
	svc, err := NewService(MethodHMACSHA256)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	tok, err := svc.Generate("sess-1", "sharedSecret")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if tok.Method != MethodHMACSHA256 {
		t.Fatalf("method = %q", tok.Method)
	}
	if _, err := time.Parse(time.RFC3339, tok.Timestamp); err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", tok.Timestamp, err)
	}

	got, err := svc.Verify(context.Background(), tok, StaticSecret("sharedSecret"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "sess-1" {
		t.Fatalf("recovered session token = %q, want sess-1", got)
	}
}

func TestHMACWrongSecretFails(t *testing.T) {
	svc, _ := NewService(MethodHMACSHA256)
	tok, _ := svc.Generate("sess-1", "sharedSecret")
	_, err := svc.Verify(context.Background(), tok, StaticSecret("differentSecret"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestHMACTamperedTimestampFails(t *testing.T) {
	svc, _ := NewService(MethodHMACSHA256)
	tok, _ := svc.Generate("sess-1", "sharedSecret")
	tok.Timestamp = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	_, err := svc.Verify(context.Background(), tok, StaticSecret("sharedSecret"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestHMACClockSkewWindow(t *testing.T) {
	strict, _ := NewService(MethodHMACSHA256, WithMaxClockSkew(time.Minute))
	lax, _ := NewService(MethodHMACSHA256)

	tok, _ := strict.Generate("sess-1", "sharedSecret")

	// Fresh token passes the window.
	if _, err := strict.Verify(context.Background(), tok, StaticSecret("sharedSecret")); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	// Re-sign with an old timestamp so the signature itself is valid.
	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	stale := resign(t, "sess-1", old, "sharedSecret")

	if _, err := strict.Verify(context.Background(), stale, StaticSecret("sharedSecret")); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("stale token with skew window: err = %v, want ErrVerificationFailed", err)
	}
	// With the window disabled (the historical behavior) it verifies.
	if _, err := lax.Verify(context.Background(), stale, StaticSecret("sharedSecret")); err != nil {
		t.Fatalf("stale token without skew window: %v", err)
	}
}

func resign(t *testing.T, sessionToken, timestamp, secret string) Token {
	t.Helper()
	payload := sessionToken + ":" + signature(sessionToken, timestamp, secret)
	tok, err := ParseAuthorizationHeader("SIF_HMACSHA256 "+b64(payload), timestamp)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	return tok
}

func TestMalformedTokensAreInvalidNotCrashes(t *testing.T) {
	basic, _ := NewService(MethodBasic)
	hm, _ := NewService(MethodHMACSHA256)
	now := time.Now().UTC().Format(time.RFC3339)

	good, _ := hm.Generate("sess-1", "s")

	cases := []struct {
		name string
		svc  Service
		tok  Token
	}{
		{"basic scheme mismatch", basic, Token{Method: MethodHMACSHA256, Value: b64("a:b")}},
		{"hmac scheme mismatch", hm, Token{Method: MethodBasic, Value: b64("a:b")}},
		{"basic broken base64", basic, Token{Method: MethodBasic, Value: "%%%not-base64%%%"}},
		{"hmac broken base64", hm, Token{Method: MethodHMACSHA256, Value: "%%%not-base64%%%", Timestamp: now}},
		{"basic no colon", basic, Token{Method: MethodBasic, Value: b64("nocolonhere")}},
		{"basic empty left field", basic, Token{Method: MethodBasic, Value: b64(":secret")}},
		{"basic empty right field", basic, Token{Method: MethodBasic, Value: b64("token:")}},
		{"hmac missing timestamp", hm, Token{Method: MethodHMACSHA256, Value: b64("a:b")}},
		{"hmac truncated payload", hm, Token{Method: MethodHMACSHA256, Value: good.Value[:len(good.Value)-1], Timestamp: good.Timestamp}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.svc.Verify(context.Background(), tc.tok, StaticSecret("s"))
			var invalid *InvalidTokenError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want *InvalidTokenError", err)
			}
		})
	}
}

func TestParseAuthorizationHeader(t *testing.T) {
	tok, err := ParseAuthorizationHeader("Basic QUJDOnNlY3JldA==", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok.Method != MethodBasic || tok.Value != "QUJDOnNlY3JldA==" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	if tok.AuthorizationHeader() != "Basic QUJDOnNlY3JldA==" {
		t.Fatalf("round-trip header = %q", tok.AuthorizationHeader())
	}

	for _, bad := range []string{"", "Basic", "Digest abc", "SIF_HMACSHA256 "} {
		if _, err := ParseAuthorizationHeader(bad, ""); err == nil {
			t.Fatalf("ParseAuthorizationHeader(%q) succeeded, want error", bad)
		}
	}
}

func TestNewServiceUnknownMethod(t *testing.T) {
	if _, err := NewService(Method("Digest")); err == nil {
		t.Fatal("NewService with unknown method succeeded")
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
