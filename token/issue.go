package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
)

// header is fixed: HMAC-SHA256, token type "JWT"-shaped but gateway-owned.
var signedHeaderSegment = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Issue mints a new signed token for p with the given remaining TTL,
// encoding claims and signing "header.payload" with secret using
// HMAC-SHA256 — the inverse of parseSigned/verifySignature.
func Issue(p *gwcontext.Principal, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := signedClaims{
		Subject:     p.UserID,
		SessionID:   p.SessionID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Roles:       p.Roles,
		Permissions: p.Permissions,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadSegment := base64.RawURLEncoding.EncodeToString(payload)

	signingInput := signedHeaderSegment + "." + payloadSegment
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	sigSegment := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sigSegment, nil
}
