package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess = "access"
	TokenTypeTemp   = "temp"

	PurposeWebSocket = "websocket"
)

var (
	// ErrInvalidToken is returned for unparseable, forged or incomplete tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token is past its expiry.
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the JWT payload shared by session and temp tokens.
type Claims struct {
	TokenType     string  `json:"tokenType"`
	Purpose       string  `json:"purpose,omitempty"`
	UserID        int64   `json:"userId,omitempty"`
	MerchantID    int64   `json:"merchantId,omitempty"`
	RestaurantID  int64   `json:"restaurantId,omitempty"`
	RestaurantIDs []int64 `json:"restaurantIds,omitempty"`
	RoomID        int64   `json:"roomId,omitempty"`
	DisplayName   string  `json:"displayName,omitempty"`
	Name          string  `json:"name,omitempty"`
	Avatar        string  `json:"avatar,omitempty"`
	Role          string  `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier resolves a bearer token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Issuer mints credentials. In production tokens come from the login and
// verification-code endpoints; this side exists for tooling and tests.
type Issuer interface {
	Issue(id Identity, ttl time.Duration) (string, error)
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for tokens signed with secret. An empty
// issuer disables the iss check. Leeway tolerates clock skew on exp/nbf.
func NewJWTVerifier(secret, issuer string, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, leeway: leeway, now: time.Now}
}

// WithClock overrides the verifier's time source.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	v.now = now
	return v
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return nil, ErrInvalidToken
	}
	return claims.Identity()
}

// Identity maps verified claims onto the participant they describe.
func (c *Claims) Identity() (Identity, error) {
	switch c.TokenType {
	case TokenTypeAccess, TokenTypeTemp:
	default:
		return nil, fmt.Errorf("%w: unknown token type %q", ErrInvalidToken, c.TokenType)
	}
	if c.TokenType == TokenTypeTemp && c.Purpose != PurposeWebSocket {
		return nil, fmt.Errorf("%w: temp token purpose %q", ErrInvalidToken, c.Purpose)
	}

	if c.MerchantID > 0 {
		if c.RestaurantID <= 0 {
			return nil, fmt.Errorf("%w: merchant without restaurant", ErrInvalidToken)
		}
		return Merchant{MerchantID: c.MerchantID, RestaurantID: c.RestaurantID, Name: c.Name}, nil
	}

	userID := c.UserID
	if userID == 0 && c.Subject != "" {
		if id, err := strconv.ParseInt(c.Subject, 10, 64); err == nil {
			userID = id
		}
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	if c.TokenType == TokenTypeTemp {
		if c.RoomID <= 0 {
			return nil, fmt.Errorf("%w: temp token without room", ErrInvalidToken)
		}
		if c.ExpiresAt == nil {
			return nil, fmt.Errorf("%w: temp token without expiry", ErrInvalidToken)
		}
		g := Guest{
			RoomID:      c.RoomID,
			UserID:      userID,
			DisplayName: c.DisplayName,
			AvatarURL:   c.Avatar,
			ExpiresAt:   c.ExpiresAt.UTC(),
		}
		if c.IssuedAt != nil {
			g.IssuedAt = c.IssuedAt.UTC()
		}
		return g, nil
	}

	return User{
		ID:            userID,
		DisplayName:   c.DisplayName,
		AvatarURL:     c.Avatar,
		RestaurantIDs: c.RestaurantIDs,
	}, nil
}

// JWTIssuer signs HS256 tokens readable by JWTVerifier.
type JWTIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTIssuer(secret, issuer string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// WithClock overrides the issuer's time source.
func (i *JWTIssuer) WithClock(now func() time.Time) *JWTIssuer {
	i.now = now
	return i
}

// Issue implements Issuer. Users and merchants receive access tokens; guests
// receive websocket temp tokens whose expiry is ExpiresAt when set, else now
// plus ttl.
func (i *JWTIssuer) Issue(id Identity, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(id.SenderID(), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	switch v := id.(type) {
	case User:
		claims.TokenType = TokenTypeAccess
		claims.UserID = v.ID
		claims.DisplayName = v.DisplayName
		claims.Avatar = v.AvatarURL
		claims.RestaurantIDs = v.RestaurantIDs
		claims.Role = "USER"
	case Merchant:
		claims.TokenType = TokenTypeAccess
		claims.MerchantID = v.MerchantID
		claims.RestaurantID = v.RestaurantID
		claims.Name = v.Name
		claims.Role = "MERCHANT"
	case Guest:
		claims.TokenType = TokenTypeTemp
		claims.Purpose = PurposeWebSocket
		claims.UserID = v.UserID
		claims.RoomID = v.RoomID
		claims.DisplayName = v.DisplayName
		claims.Avatar = v.AvatarURL
		if !v.IssuedAt.IsZero() {
			claims.IssuedAt = jwt.NewNumericDate(v.IssuedAt)
		}
		if !v.ExpiresAt.IsZero() {
			claims.ExpiresAt = jwt.NewNumericDate(v.ExpiresAt)
		}
	case Observer:
		return "", errors.New("failed to issue token: observers carry no credential")
	default:
		return "", fmt.Errorf("failed to issue token: unsupported identity %T", id)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

var (
	_ Verifier = (*JWTVerifier)(nil)
	_ Issuer   = (*JWTIssuer)(nil)
)
