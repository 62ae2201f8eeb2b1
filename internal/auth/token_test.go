package auth

import (
	"testing"
	"time"

	"github.com/pioneer-wyt/wyt-bridge/internal/config"
)

func testBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		Token:    "secret-token",
		TokenTTL: time.Minute,
	}
}

func TestVerifyStatic_Plaintext(t *testing.T) {
	m := NewTokenManager(testBridgeConfig())
	if !m.VerifyStatic("secret-token") {
		t.Error("correct token rejected")
	}
	if m.VerifyStatic("wrong") {
		t.Error("wrong token accepted")
	}
	if m.VerifyStatic("") {
		t.Error("empty token accepted")
	}
}

func TestVerifyStatic_BcryptHash(t *testing.T) {
	hash, err := HashToken("hunter2")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	cfg := testBridgeConfig()
	cfg.TokenHash = hash
	m := NewTokenManager(cfg)

	if !m.VerifyStatic("hunter2") {
		t.Error("hashed token rejected")
	}
	if m.VerifyStatic("secret-token") {
		t.Error("hash must take precedence over plaintext token")
	}
}

func TestJWT_RoundTrip(t *testing.T) {
	m := NewTokenManager(testBridgeConfig())
	token, ttl, err := m.IssueJWT()
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if ttl != time.Minute {
		t.Errorf("ttl %v", ttl)
	}
	if err := m.VerifyJWT(token); err != nil {
		t.Errorf("VerifyJWT: %v", err)
	}
	if !m.Verify(token) {
		t.Error("Verify should accept an issued JWT")
	}
}

func TestJWT_RejectsForeignSecret(t *testing.T) {
	m := NewTokenManager(testBridgeConfig())
	other := NewTokenManager(&config.BridgeConfig{Token: "different", TokenTTL: time.Minute})

	token, _, err := other.IssueJWT()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VerifyJWT(token); err == nil {
		t.Error("token signed under another secret accepted")
	}
	if m.Verify("not-a-jwt-and-not-the-token") {
		t.Error("garbage credential accepted")
	}
}

func TestJWT_Expiry(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.TokenTTL = -time.Minute
	m := NewTokenManager(cfg)

	token, _, err := m.IssueJWT()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VerifyJWT(token); err == nil {
		t.Error("expired token accepted")
	}
}
