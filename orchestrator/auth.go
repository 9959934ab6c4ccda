// Copyright 2025 AxonFlow
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

package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken marks a bearer token that fails validation
var ErrInvalidToken = errors.New("invalid bearer token")

// TokenValidator derives the caller's user id from an HS256 bearer token
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator returns nil when secret is empty, disabling bearer identity
func NewTokenValidator(secret string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: []byte(secret)}
}

// UserFromRequest returns the user id of the Authorization header. A
// missing header yields "" and no error; a present but invalid token fails.
func (v *TokenValidator) UserFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: expected Bearer scheme", ErrInvalidToken)
	}
	return v.Validate(strings.TrimSpace(tokenString))
}

// Validate checks the signature and returns the sub claim
func (v *TokenValidator) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	sub := getClaimString(claims, "sub")
	if sub == "" {
		sub = getClaimString(claims, "user_id")
	}
	if sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return sub, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
