package api

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseRSAPublicKey(t *testing.T) {
	modulus := []byte{0xc3, 0x5f, 0x01, 0x88, 0x42, 0xaa, 0x10, 0x7f}
	n := base64.RawURLEncoding.EncodeToString(modulus)

	pub, err := parseRSAPublicKey(n, "AQAB")
	if err != nil {
		t.Fatalf("parseRSAPublicKey failed: %v", err)
	}
	if pub.E != 65537 {
		t.Fatalf("exponent = %d, want 65537", pub.E)
	}
	if pub.N.Cmp(new(big.Int).SetBytes(modulus)) != 0 {
		t.Fatalf("modulus = %v, want %v", pub.N, new(big.Int).SetBytes(modulus))
	}

	if _, err := parseRSAPublicKey("!!not-base64url!!", "AQAB"); err == nil {
		t.Fatal("bad modulus accepted")
	}
	if _, err := parseRSAPublicKey(n, "!!not-base64url!!"); err == nil {
		t.Fatal("bad exponent accepted")
	}
}

func TestJWKSKeyCache(t *testing.T) {
	var cache jwksKeyCache
	key := &rsa.PublicKey{N: big.NewInt(7), E: 65537}

	if _, ok := cache.get("kid-1"); ok {
		t.Fatal("empty cache returned a key")
	}

	cache.put("kid-1", key, time.Minute)
	got, ok := cache.get("kid-1")
	if !ok {
		t.Fatal("cached key not found")
	}
	if got != key {
		t.Fatal("cache returned a different key")
	}

	cache.put("kid-2", key, -time.Second)
	if _, ok := cache.get("kid-2"); ok {
		t.Fatal("expired entry served from cache")
	}
}

func TestGetPublicKeyFromJWKSCachesByKid(t *testing.T) {
	modulus := []byte{0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6, 0x07, 0x18}
	n := base64.RawURLEncoding.EncodeToString(modulus)

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{
				{"kid": "cache-test-kid", "kty": "RSA", "use": "sig", "n": n, "e": "AQAB"},
			},
		})
	}))
	defer srv.Close()

	first, err := getPublicKeyFromJWKS(srv.URL, "cache-test-kid")
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	second, err := getPublicKeyFromJWKS(srv.URL, "cache-test-kid")
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("JWKS endpoint fetched %d times for the same kid, want 1", fetches)
	}
	if first != second {
		t.Fatal("cache returned a different key for the same kid")
	}

	if _, err := getPublicKeyFromJWKS(srv.URL, "unknown-kid"); err == nil {
		t.Fatal("unknown kid resolved to a key")
	}
}
