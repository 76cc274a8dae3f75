// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twilioapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/twilio/twilio-go/client/jwt"
)

// DefaultTokenTTL is the lifetime of minted softphone tokens
const DefaultTokenTTL = time.Hour

// TokenParams describes an operator softphone access token
type TokenParams struct {
	AccountSID     string
	APIKeySID      string
	APISecret      string
	ApplicationSID string
	Identity       string
	TTL            time.Duration
}

// MintToken creates a signed access token carrying a voice grant for the
// outgoing application
func MintToken(p TokenParams) (string, error) {
	switch {
	case p.AccountSID == "":
		return "", errors.New("account sid is required")
	case p.APIKeySID == "" || p.APISecret == "":
		return "", errors.New("api key sid and secret are required")
	case p.ApplicationSID == "":
		return "", errors.New("application sid is required")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	identity := p.Identity
	if identity == "" {
		identity = "operator"
	}
	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    p.AccountSID,
		SigningKeySid: p.APIKeySID,
		Secret:        p.APISecret,
		Identity:      identity,
		Ttl:           ttl.Seconds(),
	})
	token.AddGrant(&jwt.VoiceGrant{
		Incoming: jwt.Incoming{Allow: true},
		Outgoing: jwt.Outgoing{ApplicationSid: p.ApplicationSID},
	})
	signed, err := token.ToJwt()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseJWTForApplicationSID parses a token and returns the application SID from
// its voice grant. Pass an empty secret to skip signature validation.
func ParseJWTForApplicationSID(tokenString string, secret string) (string, error) {
	decoded, err := (&jwt.AccessToken{}).FromJwt(tokenString, secret)
	if err != nil {
		return "", fmt.Errorf("failed to parse JWT: %w", err)
	}
	grant, err := GetVoiceGrantFromToken(decoded)
	if err != nil {
		return "", err
	}
	if grant.Outgoing.ApplicationSid == "" {
		return "", errors.New("no voice grant with application SID found in token")
	}
	return grant.Outgoing.ApplicationSid, nil
}

// GetVoiceGrantFromToken extracts the VoiceGrant from a decoded AccessToken
func GetVoiceGrantFromToken(token *jwt.AccessToken) (*jwt.VoiceGrant, error) {
	for _, grant := range token.Grants {
		if voiceGrant, ok := grant.(*jwt.VoiceGrant); ok {
			return voiceGrant, nil
		}
	}
	return nil, errors.New("no voice grant found in token")
}
