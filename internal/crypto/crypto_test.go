package crypto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hubmcp/hubbridge/internal/errx"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte("test-key-material"), []byte("test-salt"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestPasswordRoundtrip(t *testing.T) {
	hash, err := HashPassword("Admin123!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "Admin123!" {
		t.Fatal("hash must not equal the password")
	}
	if err := VerifyPassword(hash, "Admin123!"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := VerifyPassword(hash, "admin123!"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("wrong password should return ErrPasswordMismatch, got %v", err)
	}
}

func TestPasswordTooLong(t *testing.T) {
	_, err := HashPassword(strings.Repeat("x", MaxPasswordLength+1))
	if !errx.Is(err, errx.KindInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestCipherRoundtrip(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("long-lived-hub-access-token")

	sealed, err := c.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(sealed, string(secret)) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(opened) != string(secret) {
		t.Errorf("roundtrip = %q, want %q", opened, secret)
	}
}

func TestCipherNoncePerCiphertext(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "flipped byte", input: flipLastChar(sealed)},
		{name: "truncated", input: sealed[:4]},
		{name: "not base64", input: "!!!not-base64!!!"},
		{name: "empty", input: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.input); !errx.Is(err, errx.KindCrypto) {
				t.Errorf("expected CRYPTO_ERROR, got %v", err)
			}
		})
	}
}

func TestCipherWrongKey(t *testing.T) {
	c1 := newTestCipher(t)
	c2, err := NewCipher([]byte("different-material"), []byte("test-salt"))
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := c1.Encrypt([]byte("secret"))
	if _, err := c2.Decrypt(sealed); !errx.Is(err, errx.KindCrypto) {
		t.Errorf("decrypting with the wrong key should fail with CRYPTO_ERROR, got %v", err)
	}
}

func TestCipherWrongSalt(t *testing.T) {
	c1 := newTestCipher(t)
	c2, err := NewCipher([]byte("test-key-material"), []byte("other-salt"))
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := c1.Encrypt([]byte("secret"))
	if _, err := c2.Decrypt(sealed); !errx.Is(err, errx.KindCrypto) {
		t.Errorf("same key with a different salt must not decrypt, got %v", err)
	}
}

func TestTokenIssuerRoundtrip(t *testing.T) {
	ti, err := NewTokenIssuer([]byte("signing-secret"), "hubbridge", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	now := time.Now()

	token, jti, expiresAt, err := ti.Sign("user-1", true, now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if jti == "" {
		t.Error("jti must not be empty")
	}
	if got := expiresAt.Sub(now); got != time.Hour {
		t.Errorf("expiry = %v after issue, want 1h", got)
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("sub = %q, want user-1", claims.Subject)
	}
	if claims.ID != jti {
		t.Errorf("jti = %q, want %q", claims.ID, jti)
	}
	if !claims.IsAdmin {
		t.Error("is_admin should be true")
	}
}

func TestTokenIssuerExpired(t *testing.T) {
	ti, _ := NewTokenIssuer([]byte("signing-secret"), "hubbridge", time.Minute)
	token, _, _, err := ti.Sign("user-1", false, time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ti.Verify(token); !errx.Is(err, errx.KindTokenExpired) {
		t.Errorf("expected TOKEN_EXPIRED, got %v", err)
	}
}

func TestTokenIssuerWrongSecret(t *testing.T) {
	ti1, _ := NewTokenIssuer([]byte("secret-a"), "hubbridge", time.Hour)
	ti2, _ := NewTokenIssuer([]byte("secret-b"), "hubbridge", time.Hour)
	token, _, _, _ := ti1.Sign("user-1", false, time.Now())
	if _, err := ti2.Verify(token); !errx.Is(err, errx.KindUnauthorized) {
		t.Errorf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestTokenIssuerWrongIssuer(t *testing.T) {
	ti1, _ := NewTokenIssuer([]byte("secret"), "someone-else", time.Hour)
	ti2, _ := NewTokenIssuer([]byte("secret"), "hubbridge", time.Hour)
	token, _, _, _ := ti1.Sign("user-1", false, time.Now())
	if _, err := ti2.Verify(token); !errx.Is(err, errx.KindUnauthorized) {
		t.Errorf("expected UNAUTHORIZED for issuer mismatch, got %v", err)
	}
}

func TestTokenIssuerTTLBounds(t *testing.T) {
	if _, err := NewTokenIssuer([]byte("s"), "hubbridge", 25*time.Hour); err == nil {
		t.Error("ttl above 24h should be rejected")
	}
	if _, err := NewTokenIssuer([]byte("s"), "hubbridge", 0); err == nil {
		t.Error("zero ttl should be rejected")
	}
	if _, err := NewTokenIssuer(nil, "hubbridge", time.Hour); err == nil {
		t.Error("empty secret should be rejected")
	}
}

func TestNewAPIToken(t *testing.T) {
	tok, err := NewAPIToken()
	if err != nil {
		t.Fatalf("NewAPIToken: %v", err)
	}
	if !strings.HasPrefix(tok.Plaintext, APITokenPrefix) {
		t.Errorf("token %q missing prefix %q", tok.Plaintext, APITokenPrefix)
	}
	if len(tok.Plaintext) < 32 {
		t.Errorf("token length %d below minimum 32", len(tok.Plaintext))
	}
	if !strings.HasPrefix(tok.Plaintext, tok.DisplayPrefix) {
		t.Errorf("display prefix %q is not a prefix of %q", tok.DisplayPrefix, tok.Plaintext)
	}
	for _, r := range strings.TrimPrefix(tok.Plaintext, APITokenPrefix) {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_", r) {
			t.Errorf("token contains non-url-safe rune %q", r)
		}
	}
	if !VerifyTokenHash(tok.Hash, tok.Plaintext) {
		t.Error("token should verify against its own hash")
	}
	if VerifyTokenHash(tok.Hash, tok.Plaintext+"x") {
		t.Error("modified token should not verify")
	}
}

func TestAPITokensAreUnique(t *testing.T) {
	a, _ := NewAPIToken()
	b, _ := NewAPIToken()
	if a.Plaintext == b.Plaintext {
		t.Error("two generated tokens must differ")
	}
}

func TestLooksLikeAPIToken(t *testing.T) {
	if !LooksLikeAPIToken("hb_abc123") {
		t.Error("hb_ token should be recognized")
	}
	if LooksLikeAPIToken("eyJhbGciOiJIUzI1NiJ9.x.y") {
		t.Error("JWT should not look like an API token")
	}
}

func TestZero(t *testing.T) {
	buf := []byte("sensitive")
	Zero(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func flipLastChar(s string) string {
	b := []byte(s)
	last := len(b) - 1
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	return string(b)
}
