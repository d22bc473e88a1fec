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
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/alwitt/budrelay/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// JWKSValidatorParams parameters for defining a JWKSTokenValidator
type JWKSValidatorParams struct {
	// AllowedIssuers the set of token issuers accepted
	AllowedIssuers []string `validate:"required,min=1"`
	// RequestTimeout max duration of discovery / JWKS fetches
	RequestTimeout time.Duration
	// JWKSCacheTTL lifetime of a cached per-issuer JWKS client
	JWKSCacheTTL time.Duration
	// KeyCacheTTL lifetime of a cached resolved public key
	KeyCacheTTL time.Duration
}

// jwksClient resolved discovery state for one issuer
type jwksClient struct {
	issuer  string
	jwksURI string
}

// jwksKey one RSA entry within a JWKS document
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksDocument the JWKS document shape
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

// jwksTokenValidator validates RS256 bearer tokens against per-issuer JWKS
// documents discovered via OIDC metadata.
//
// Two process-wide TTL caches bound both memory growth and staleness after a
// key rotation: issuer -> discovered JWKS client (long TTL), and issuer+kid ->
// resolved public key (short TTL). Neither requires an invalidation signal
// from the identity provider.
type jwksTokenValidator struct {
	common.Component
	allowedIssuers map[string]bool
	httpClient     *http.Client
	parser         *jwt.Parser
	clientCache    *expirable.LRU[string, *jwksClient]
	keyCache       *expirable.LRU[string, *rsa.PublicKey]
}

// GetJWKSTokenValidator define a new JWKS backed TokenValidator
func GetJWKSTokenValidator(params JWKSValidatorParams) (TokenValidator, error) {
	if len(params.AllowedIssuers) == 0 {
		return nil, fmt.Errorf("no allowed issuers given")
	}
	logTags := log.Fields{
		"module": "auth", "component": "jwks-validator",
	}
	allowed := make(map[string]bool, len(params.AllowedIssuers))
	for _, issuer := range params.AllowedIssuers {
		allowed[issuer] = true
	}
	return &jwksTokenValidator{
		Component:      common.Component{LogTags: logTags},
		allowedIssuers: allowed,
		httpClient:     &http.Client{Timeout: params.RequestTimeout},
		parser:         jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		clientCache:    expirable.NewLRU[string, *jwksClient](32, nil, params.JWKSCacheTTL),
		keyCache:       expirable.NewLRU[string, *rsa.PublicKey](128, nil, params.KeyCacheTTL),
	}, nil
}

// Validate implements TokenValidator
func (v *jwksTokenValidator) Validate(ctxt context.Context, token string) (UserInfo, error) {
	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		issuer, _ := claims["iss"].(string)
		if !v.allowedIssuers[issuer] {
			return nil, fmt.Errorf("issuer '%s' is not trusted", issuer)
		}
		kid, _ := t.Header["kid"].(string)
		if len(kid) == 0 {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.resolveKey(ctxt, issuer, kid)
	})
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Token validation failed")
		return UserInfo{}, err
	}
	if !parsed.Valid {
		return UserInfo{}, fmt.Errorf("token is not valid")
	}
	subject, _ := claims["sub"].(string)
	if len(subject) == 0 {
		return UserInfo{}, fmt.Errorf("token carries no subject claim")
	}
	issuer, _ := claims["iss"].(string)
	return UserInfo{UserID: subject, Issuer: issuer}, nil
}

// resolveKey fetch the public key for (issuer, kid), going through the caches
func (v *jwksTokenValidator) resolveKey(
	ctxt context.Context, issuer, kid string,
) (*rsa.PublicKey, error) {
	keyCacheID := fmt.Sprintf("%s/%s", issuer, kid)
	if key, ok := v.keyCache.Get(keyCacheID); ok {
		return key, nil
	}

	client, ok := v.clientCache.Get(issuer)
	if !ok {
		discovered, err := v.discoverIssuer(ctxt, issuer)
		if err != nil {
			return nil, err
		}
		client = discovered
		v.clientCache.Add(issuer, client)
	}

	document, err := v.fetchJWKS(ctxt, client)
	if err != nil {
		return nil, err
	}
	for _, entry := range document.Keys {
		if entry.Kid != kid || entry.Kty != "RSA" {
			continue
		}
		key, err := entry.toRSAPublicKey()
		if err != nil {
			return nil, err
		}
		v.keyCache.Add(keyCacheID, key)
		return key, nil
	}
	return nil, fmt.Errorf("issuer '%s' JWKS has no RSA key '%s'", issuer, kid)
}

// discoverIssuer read the OIDC discovery document of an issuer
func (v *jwksTokenValidator) discoverIssuer(
	ctxt context.Context, issuer string,
) (*jwksClient, error) {
	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", issuer)
	request, err := http.NewRequestWithContext(ctxt, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Errorf(
			"OIDC discovery failed for %s", issuer,
		)
		return nil, err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery for '%s' returned %d", issuer, response.StatusCode)
	}
	var metadata struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(response.Body).Decode(&metadata); err != nil {
		return nil, err
	}
	if len(metadata.JWKSURI) == 0 {
		return nil, fmt.Errorf("OIDC discovery for '%s' carries no jwks_uri", issuer)
	}
	log.WithFields(v.LogTags).Infof("Discovered JWKS endpoint for %s", issuer)
	return &jwksClient{issuer: issuer, jwksURI: metadata.JWKSURI}, nil
}

// fetchJWKS read the JWKS document of an issuer
func (v *jwksTokenValidator) fetchJWKS(
	ctxt context.Context, client *jwksClient,
) (*jwksDocument, error) {
	request, err := http.NewRequestWithContext(ctxt, http.MethodGet, client.jwksURI, nil)
	if err != nil {
		return nil, err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Errorf(
			"JWKS fetch failed for %s", client.issuer,
		)
		return nil, err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"JWKS fetch for '%s' returned %d", client.issuer, response.StatusCode,
		)
	}
	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, err
	}
	return &document, nil
}

// toRSAPublicKey assemble a rsa.PublicKey from the JWK n / e fields
func (k jwksKey) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("JWK '%s' has invalid modulus: %w", k.Kid, err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("JWK '%s' has invalid exponent: %w", k.Kid, err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(new(big.Int).SetBytes(exponent).Int64()),
	}, nil
}
