// Package auth validates the session tokens issued by the identity
// service. The device never mints production tokens itself; it verifies
// them offline against provisioned secrets so a clinician can open a
// session with no connectivity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeSession is the typ claim of a clinician session token.
const TokenTypeSession = "session"

// SessionTokenExpiry is the nominal lifetime of a session token, sized to
// cover a full shift.
const SessionTokenExpiry = 12 * time.Hour

// DefaultLeeway absorbs clock skew between the device and the identity
// service.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyUserID is returned when userID is empty.
var ErrEmptyUserID = errors.New("userID cannot be empty")

// Claims represents the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	DID  string `json:"did,omitempty"` // Decentralized Identifier of the clinician
	Type string `json:"typ"`           // Token type: "session"
}

// Verifier validates session tokens.
// Supports dual-key rotation: tokens are validated with either
// currentSecret or previousSecret, so a provisioning rollout does not
// lock clinicians out mid-shift.
type Verifier struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewVerifier creates a verifier with a single secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		currentSecret: []byte(secret),
		leeway:        DefaultLeeway,
	}
}

// NewVerifierWithRotation creates a verifier with dual-key support for
// zero-downtime rotation. Set previousSecret to empty string if no
// rotation is in progress.
func NewVerifierWithRotation(currentSecret, previousSecret string) *Verifier {
	v := &Verifier{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
	}
	if previousSecret != "" {
		v.previousSecret = []byte(previousSecret)
	}
	return v
}

// ValidateToken parses and validates a session token, returning the
// claims if valid. Tries currentSecret first, then previousSecret if
// available.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return v.currentSecret, nil
	}, jwt.WithLeeway(v.leeway))

	if err == nil {
		claims, ok := token.Claims.(*Claims)
		if ok && token.Valid {
			return checkClaims(claims)
		}
		return nil, ErrInvalidToken
	}

	if v.previousSecret != nil {
		token, err = jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, ErrInvalidToken
			}
			return v.previousSecret, nil
		}, jwt.WithLeeway(v.leeway))

		if err == nil {
			claims, ok := token.Claims.(*Claims)
			if ok && token.Valid {
				return checkClaims(claims)
			}
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// checkClaims enforces the session-token shape beyond the signature.
func checkClaims(claims *Claims) (*Claims, error) {
	if claims.Type != TokenTypeSession {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MintSessionToken creates a session token signed with the given secret.
// Used by tests and provisioning tooling; production tokens come from
// the identity service.
func MintSessionToken(secret, userID, did string, expiry time.Duration) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if expiry == 0 {
		expiry = SessionTokenExpiry
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		DID:  did,
		Type: TokenTypeSession,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
