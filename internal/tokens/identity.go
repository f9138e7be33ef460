package tokens

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// identityClaims are tried in order to name the signed-in user.
var identityClaims = []string{"preferred_username", "upn", "email", "unique_name"}

// Identity is who a token set was issued to.
type Identity struct {
	Name   string // e.g. alice@contoso.com
	Tenant string // directory (tenant) id, the "tid" claim
}

// IdentityFromToken reads the identity claims of a token set without
// verifying signatures: the token came straight from the token endpoint
// over TLS. The id_token is preferred over the access token. Returns
// ErrNoIdentityClaim when no claim names the user; callers then fall back
// to the Graph /me endpoint.
func IdentityFromToken(tok *oauth2.Token) (Identity, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		raw = tok.AccessToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNoIdentityClaim, err)
	}

	var id Identity

	for _, name := range identityClaims {
		if v, ok := claims[name].(string); ok && v != "" {
			id.Name = v
			break
		}
	}

	id.Tenant, _ = claims["tid"].(string)

	if id.Name == "" {
		return id, ErrNoIdentityClaim
	}

	return id, nil
}
