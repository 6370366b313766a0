/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * Session tokens are RS256 JWTs minted by the app's auth subsystem (session
 * issuance is out of scope here); this middleware validates them against that
 * subsystem's JWKS endpoint and exposes the subject uid to handlers.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const authUserIDKey UserIDContextKey = "authUserID"

// SessionAuthMiddleware creates a middleware that validates session JWTs
// issued by the auth subsystem.
func SessionAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get the Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			// Parse and validate the JWT token
			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				// Verify the signing method
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}

				// Get the key ID from the token header
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}

				// Fetch the public key from JWKS
				publicKey, err := getPublicKeyFromJWKS(jwksURL, kid)
				if err != nil {
					return nil, fmt.Errorf("failed to get public key: %w", err)
				}

				return publicKey, nil
			})

			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			// Check if token is valid
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			// Extract user ID from claims
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			// Optional audience / issuer enforcement via env
			if expectedAud := os.Getenv("AUTH_AUDIENCE"); expectedAud != "" {
				if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
					http.Error(w, "Invalid audience", http.StatusUnauthorized)
					return
				}
			}
			if expectedIss := os.Getenv("AUTH_ISSUER"); expectedIss != "" {
				if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
					http.Error(w, "Invalid issuer", http.StatusUnauthorized)
					return
				}
			}

			// Get the user ID from the 'sub' claim (standard JWT claim for subject)
			userID, ok := claims["sub"].(string)
			if !ok || userID == "" {
				http.Error(w, "User ID not found in token", http.StatusUnauthorized)
				return
			}

			// Add the user ID to the request context
			ctx := context.WithValue(r.Context(), authUserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// jwksCacheTTL bounds how long a fetched key is trusted before the JWKS
// endpoint is consulted again.
const jwksCacheTTL = 5 * time.Minute

type cachedJWKSKey struct {
	key       *rsa.PublicKey
	expiresAt time.Time
}

// jwksKeyCache is a small in-process cache of session verification keys by
// kid. Key rotation surfaces as a new kid, which misses the cache and
// triggers a fresh fetch.
type jwksKeyCache struct {
	mu   sync.Mutex
	keys map[string]cachedJWKSKey
}

func (c *jwksKeyCache) get(kid string) (*rsa.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.keys[kid]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.key, true
}

func (c *jwksKeyCache) put(kid string, key *rsa.PublicKey, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = make(map[string]cachedJWKSKey)
	}
	c.keys[kid] = cachedJWKSKey{key: key, expiresAt: time.Now().Add(ttl)}
}

var sessionKeyCache jwksKeyCache

// getPublicKeyFromJWKS returns the public key for kid, fetching the auth
// subsystem's JWKS endpoint on a cache miss.
func getPublicKeyFromJWKS(jwksURL, kid string) (interface{}, error) {
	if key, ok := sessionKeyCache.get(kid); ok {
		return key, nil
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	// Find the key with matching kid
	for _, key := range jwks.Keys {
		if key.Kid == kid {
			pub, err := parseRSAPublicKey(key.N, key.E)
			if err != nil {
				return nil, err
			}
			sessionKeyCache.put(kid, pub, jwksCacheTTL)
			return pub, nil
		}
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	// Decode base64url modulus and exponent
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	// Convert exponent bytes to int
	var exp uint64
	if len(eb) == 3 {
		// Common case for 65537
		exp = uint64(eb[0])<<16 | uint64(eb[1])<<8 | uint64(eb[2])
	} else {
		// General case
		for _, b := range eb {
			exp = (exp << 8) | uint64(b)
		}
	}

	nInt := new(big.Int).SetBytes(nb)
	pub := &rsa.PublicKey{
		N: nInt,
		E: int(exp),
	}
	return pub, nil
}

// GetAuthUserID retrieves the authenticated user's uid from the request context.
// Handlers should use this function to get the authenticated user's ID.
func GetAuthUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(authUserIDKey).(string)
	return userID, ok
}
