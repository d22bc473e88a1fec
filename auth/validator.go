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
	"net/http"
	"strings"
)

// UserInfo the identity extracted from a validated bearer token
type UserInfo struct {
	// UserID the subject claim of the token
	UserID string `json:"user_id" validate:"required"`
	// Issuer the token issuer
	Issuer string `json:"issuer"`
}

// TokenValidator validates a bearer token into a UserInfo. Implementations may
// fetch signing material over the network; callers pass a request-scoped
// context.
type TokenValidator interface {
	// Validate check the token, returning the caller identity on success
	Validate(ctxt context.Context, token string) (UserInfo, error)
}

// ExtractBearerToken pull the bearer token from a connection handshake. The
// Authorization header is preferred; the "token" query parameter is the
// fallback for clients that cannot set custom headers, such as iframe embeds.
// Returns "" when no token is present.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
