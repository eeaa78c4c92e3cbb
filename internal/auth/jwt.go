// Copyright 2025 Amicable
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates bearer JWTs on inbound WebSocket upgrades and the
// CRUD HTTP surface. It only establishes who the caller is (the Principal);
// whether that principal may touch a given session_id is a lookup against
// the Session's own owner fields, done by the caller, not here.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller identity extracted from a validated token.
type Principal struct {
	Subject  string
	Email    string
	Role     string
	TenantID string
	Custom   map[string]interface{}
}

// JWTValidator fetches and auto-refreshes the identity provider's JWKS and
// validates inbound bearer tokens against it.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
	disabled bool
}

// NewJWTValidator constructs a validator, fetching the JWKS once up front
// to fail fast on misconfiguration, then refreshing on a bounded interval
// to pick up key rotation.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTValidator{jwksURL: jwksURL, cache: cache, issuer: issuer, audience: audience}, nil
}

// NewDisabledValidator returns a validator whose ValidateToken always
// succeeds with an anonymous Principal. Intended for local/dev
// deployments only (config Auth.Disabled).
func NewDisabledValidator() *JWTValidator {
	return &JWTValidator{disabled: true}
}

// ValidateToken verifies signature, issuer, audience, and expiry, and
// extracts the caller Principal.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Principal, error) {
	if v.disabled {
		return &Principal{Subject: "anonymous", Custom: make(map[string]interface{})}, nil
	}
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("auth: get JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	p := &Principal{Subject: token.Subject(), Custom: make(map[string]interface{})}

	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			p.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			p.Role = s
		}
	}
	if tenantID, ok := token.Get("tenant_id"); ok {
		if s, ok := tenantID.(string); ok {
			p.TenantID = s
		}
	}

	reserved := map[string]struct{}{
		"sub": {}, "email": {}, "role": {}, "tenant_id": {},
		"iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {},
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, _ := pair.Key.(string)
		if _, skip := reserved[key]; skip {
			continue
		}
		p.Custom[key] = pair.Value
	}

	return p, nil
}

// Close releases the JWKS auto-refresh goroutine's resources. The cache
// itself has no explicit close; the goroutine exits once its context is
// canceled by the process shutting down.
func (v *JWTValidator) Close() {}
