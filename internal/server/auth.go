package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	obscontext "github.com/smallbiznis/escrow/internal/observability/context"
)

const (
	contextActorKey = "escrow_actor"
	tokenIssuer     = "escrow"
	tokenLeeway     = 30 * time.Second
)

var ErrJWTSecretRequired = errors.New("AUTH_JWT_SECRET is required")

// actorClaims is the bearer token payload: sub is the actor id, role one of
// client, attorney or admin.
type actorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenVerifier validates HS256 bearer tokens issued by the identity service.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrJWTSecretRequired
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *TokenVerifier) Verify(raw string) (domain.Actor, error) {
	var claims actorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	actor := domain.Actor{
		ID:   strings.TrimSpace(claims.Subject),
		Role: domain.Role(strings.ToLower(strings.TrimSpace(claims.Role))),
	}
	if err := actor.Validate(); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return actor, nil
}

// Sign issues a token for actor. Used by operator tooling and tests.
func (v *TokenVerifier) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := v.now()
	claims := actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthRequired resolves the bearer token into the acting party.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor, err := s.tokens.Verify(parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), string(actor.Role), actor.ID))
		c.Next()
	}
}

func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromGin(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !actor.IsAdmin() {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func actorFromGin(c *gin.Context) (domain.Actor, bool) {
	v, ok := c.Get(contextActorKey)
	if !ok {
		return domain.Actor{}, false
	}
	actor, ok := v.(domain.Actor)
	return actor, ok
}
