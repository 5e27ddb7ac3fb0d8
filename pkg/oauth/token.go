// Package oauth acquires and maintains tokens for OAuth-backed providers:
// on-disk token records, serialized refresh, and the device-code flow.
package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// expirySkew treats tokens expiring within this window as already expired
// so a token never dies mid-request.
const expirySkew = 30 * time.Second

// Token is the on-disk token record.
type Token struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token,omitempty"`
	TokenType        string         `json:"token_type"`
	ExpiresAt        int64          `json:"expires_at"` // epoch milliseconds
	Scope            string         `json:"scope,omitempty"`
	ResourceURL      string         `json:"resource_url,omitempty"`
	IDToken          string         `json:"id_token,omitempty"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
}

// Expired reports whether the token is unusable at t.
func (tk *Token) Expired(t time.Time) bool {
	if tk.ExpiresAt == 0 {
		return false
	}
	return !t.Add(expirySkew).Before(time.UnixMilli(tk.ExpiresAt))
}

// Refreshable reports whether a refresh can be attempted.
func (tk *Token) Refreshable() bool {
	return tk.RefreshToken != ""
}

func fromOAuth2(t *oauth2.Token, prev *Token) *Token {
	out := &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if !t.Expiry.IsZero() {
		out.ExpiresAt = t.Expiry.UnixMilli()
	}
	if prev != nil {
		// Providers often omit fields on refresh; carry them forward.
		if out.RefreshToken == "" {
			out.RefreshToken = prev.RefreshToken
		}
		out.Scope = prev.Scope
		out.ResourceURL = prev.ResourceURL
		out.ProviderMetadata = prev.ProviderMetadata
	}
	if s, ok := t.Extra("scope").(string); ok && s != "" {
		out.Scope = s
	}
	if id, ok := t.Extra("id_token").(string); ok && id != "" {
		out.IDToken = id
	}
	if ru, ok := t.Extra("resource_url").(string); ok && ru != "" {
		out.ResourceURL = ru
	}
	return out
}
