package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or signed for another audience.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	refreshTokenBytes = 64
	actionAudienceTag = ":action"
)

// AccessClaims holds JWT claims for the access token. ID is the jti used for targeted revocation.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role         string   `json:"role"`
	CollegeID    string   `json:"college_id,omitempty"`
	Capabilities []string `json:"caps,omitempty"`
	DeviceID     string   `json:"device_id"`
}

// Subject is what an access token is issued for.
type Subject struct {
	AccountID    string
	DeviceID     string
	Role         string
	CollegeID    string
	Capabilities []string
}

// Issued is one rotation generation: a signed access token and an opaque refresh token.
// Only RefreshTokenHash may be persisted.
type Issued struct {
	AccessToken      string
	JTI              string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshTokenHash string
	RefreshExpiresAt time.Time
}

// ActionClaims are carried by an action-link capability.
type ActionClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"accountId"`
	DeviceID  string `json:"deviceId,omitempty"`
	Action    string `json:"action"`
	TokenID   string `json:"tokenId"`
}

// TokenProvider issues and validates access tokens and action-link capabilities using RS256 or ES256.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and checked on validation.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// Issue mints a new generation for sub. The jti and refresh token are independent random values.
func (p *TokenProvider) Issue(sub Subject) (*Issued, error) {
	jti, err := generateJTI()
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	accessExp := now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   sub.AccountID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		Role:         sub.Role,
		CollegeID:    sub.CollegeID,
		Capabilities: sub.Capabilities,
		DeviceID:     sub.DeviceID,
	}
	access, err := p.sign(claims)
	if err != nil {
		return nil, err
	}
	return &Issued{
		AccessToken:      access,
		JTI:              jti,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshTokenHash: HashRefreshToken(refresh),
		RefreshExpiresAt: now.Add(p.refreshTTL),
	}, nil
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud).
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims, p.audience); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueAction signs an action-link capability valid for ttl. It is never accepted as an access token.
func (p *TokenProvider) IssueAction(accountID, deviceID, action, tokenID string, ttl time.Duration) (string, time.Time, error) {
	now := p.now().UTC()
	exp := now.Add(ttl)
	claims := ActionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   accountID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience + actionAudienceTag},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AccountID: accountID,
		DeviceID:  deviceID,
		Action:    action,
		TokenID:   tokenID,
	}
	token, err := p.sign(claims)
	return token, exp, err
}

// ParseAction validates an action-link capability and returns its claims.
func (p *TokenProvider) ParseAction(tokenString string) (*ActionClaims, error) {
	claims := &ActionClaims{}
	if err := p.parse(tokenString, claims, p.audience+actionAudienceTag); err != nil {
		return nil, err
	}
	if claims.AccountID == "" || claims.TokenID == "" || claims.Action == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, audience) {
		return ErrInvalidToken
	}
	return nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
