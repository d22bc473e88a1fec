// Copyright 2022-2023 The budrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
)

// testIdentityProvider a fake OIDC issuer serving discovery and JWKS documents
type testIdentityProvider struct {
	server     *httptest.Server
	privateKey *rsa.PrivateKey
	kid        string
}

func newTestIdentityProvider(t *testing.T) *testIdentityProvider {
	assert := assert.New(t)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)

	provider := &testIdentityProvider{privateKey: privateKey, kid: "ut-key-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   provider.server.URL,
			"jwks_uri": provider.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": provider.kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(privateKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.E)).Bytes()),
			}},
		})
	})
	provider.server = httptest.NewServer(mux)
	return provider
}

// issueToken sign a token for a subject with the provider's key
func (p *testIdentityProvider) issueToken(
	t *testing.T, subject string, expireIn time.Duration, kid string,
) string {
	assert := assert.New(t)
	claims := jwt.MapClaims{
		"iss": p.server.URL,
		"exp": time.Now().Add(expireIn).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	if len(subject) > 0 {
		claims["sub"] = subject
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if len(kid) > 0 {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(p.privateKey)
	assert.Nil(err)
	return signed
}

func TestJWKSTokenValidation(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	provider := newTestIdentityProvider(t)
	defer provider.server.Close()

	uut, err := GetJWKSTokenValidator(JWKSValidatorParams{
		AllowedIssuers: []string{provider.server.URL},
		RequestTimeout: time.Second * 5,
		JWKSCacheTTL:   time.Hour,
		KeyCacheTTL:    time.Minute * 5,
	})
	assert.Nil(err)

	// Case 1: a valid token resolves to the subject
	userInfo, err := uut.Validate(
		utCtxt, provider.issueToken(t, "user-1", time.Hour, provider.kid),
	)
	assert.Nil(err)
	assert.Equal("user-1", userInfo.UserID)
	assert.Equal(provider.server.URL, userInfo.Issuer)

	// Case 2: an expired token is refused
	_, err = uut.Validate(
		utCtxt, provider.issueToken(t, "user-1", -time.Hour, provider.kid),
	)
	assert.NotNil(err)

	// Case 3: an unknown kid is refused
	_, err = uut.Validate(
		utCtxt, provider.issueToken(t, "user-1", time.Hour, "ut-key-other"),
	)
	assert.NotNil(err)

	// Case 4: a token without kid is refused
	_, err = uut.Validate(utCtxt, provider.issueToken(t, "user-1", time.Hour, ""))
	assert.NotNil(err)

	// Case 5: a token without subject is refused
	_, err = uut.Validate(utCtxt, provider.issueToken(t, "", time.Hour, provider.kid))
	assert.NotNil(err)

	// Case 6: garbage is refused
	_, err = uut.Validate(utCtxt, "not-a-token")
	assert.NotNil(err)
}

func TestJWKSIssuerAllowList(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	provider := newTestIdentityProvider(t)
	defer provider.server.Close()

	// The validator trusts a different issuer than the one signing the token
	uut, err := GetJWKSTokenValidator(JWKSValidatorParams{
		AllowedIssuers: []string{"https://someone-else.local"},
		RequestTimeout: time.Second * 5,
		JWKSCacheTTL:   time.Hour,
		KeyCacheTTL:    time.Minute * 5,
	})
	assert.Nil(err)

	_, err = uut.Validate(
		utCtxt, provider.issueToken(t, "user-1", time.Hour, provider.kid),
	)
	assert.NotNil(err)

	// No issuers at all is a config error
	_, err = GetJWKSTokenValidator(JWKSValidatorParams{
		RequestTimeout: time.Second * 5,
		JWKSCacheTTL:   time.Hour,
		KeyCacheTTL:    time.Minute * 5,
	})
	assert.NotNil(err)
}

func TestJWKSRejectsSymmetricAlgorithms(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	provider := newTestIdentityProvider(t)
	defer provider.server.Close()

	uut, err := GetJWKSTokenValidator(JWKSValidatorParams{
		AllowedIssuers: []string{provider.server.URL},
		RequestTimeout: time.Second * 5,
		JWKSCacheTTL:   time.Hour,
		KeyCacheTTL:    time.Minute * 5,
	})
	assert.Nil(err)

	// An HS256 token signed with a shared secret must never pass, even when
	// the issuer claim is trusted
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": provider.server.URL,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = provider.kid
	signed, err := token.SignedString([]byte("shared-secret"))
	assert.Nil(err)
	_, err = uut.Validate(utCtxt, signed)
	assert.NotNil(err)
}

func TestExtractBearerToken(t *testing.T) {
	assert := assert.New(t)

	// Header form
	req := httptest.NewRequest("GET", "/v1/realtime/ws", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal("header-token", ExtractBearerToken(req))

	// Query parameter fallback
	req = httptest.NewRequest("GET", "/v1/realtime/ws?token=query-token", nil)
	assert.Equal("query-token", ExtractBearerToken(req))

	// Header wins over the query parameter
	req = httptest.NewRequest("GET", "/v1/realtime/ws?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal("header-token", ExtractBearerToken(req))

	// Non-bearer authorization schemes fall through to the query parameter
	req = httptest.NewRequest("GET", "/v1/realtime/ws", nil)
	req.Header.Set("Authorization", fmt.Sprintf("Basic %s", "dXNlcjpwYXNz"))
	assert.Equal("", ExtractBearerToken(req))

	// Nothing present
	req = httptest.NewRequest("GET", "/v1/realtime/ws", nil)
	assert.Equal("", ExtractBearerToken(req))
}
