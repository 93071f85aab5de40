// Package auth turns bearer tokens into appointment actors.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/outpatient-queue/internal/appointment"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps a bearer token to the actor it identifies.
type Resolver interface {
	Resolve(ctx context.Context, token string) (appointment.Actor, error)
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

const issuer = "outpatient-queue"

// JWTResolver validates HS256 tokens whose subject is the actor ID.
type JWTResolver struct {
	key []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{key: []byte(secret)}
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (appointment.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return appointment.Actor{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return actorFromClaims(claims.Subject, claims.Role)
}

// IssueToken signs a token for actor. Used by the seed and simulate tools
// and by tests; production tokens come from the identity provider.
func IssueToken(secret string, actor appointment.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// DevResolver accepts unsigned "role:uuid" tokens. Only for local
// development without an identity provider.
type DevResolver struct{}

func (DevResolver) Resolve(_ context.Context, token string) (appointment.Actor, error) {
	role, id, ok := strings.Cut(token, ":")
	if !ok {
		return appointment.Actor{}, fmt.Errorf("%w: dev token must be role:uuid", ErrUnauthenticated)
	}
	return actorFromClaims(id, role)
}

// TokenFor returns a token that NewResolver(secret) accepts for actor.
func TokenFor(secret string, actor appointment.Actor, ttl time.Duration) (string, error) {
	if secret == "" {
		return string(actor.Role) + ":" + actor.ID.String(), nil
	}
	return IssueToken(secret, actor, ttl)
}

// NewResolver picks the JWT resolver when a secret is configured and the
// dev resolver otherwise.
func NewResolver(secret string) Resolver {
	if secret == "" {
		return DevResolver{}
	}
	return NewJWTResolver(secret)
}

func actorFromClaims(subject, role string) (appointment.Actor, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("%w: subject is not a uuid", ErrUnauthenticated)
	}
	r := appointment.Role(strings.ToLower(role))
	if !r.Valid() {
		return appointment.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, role)
	}
	return appointment.Actor{ID: id, Role: r}, nil
}

type contextKey string

const actorKey contextKey = "actor"

func WithActor(ctx context.Context, actor appointment.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFrom(ctx context.Context) (appointment.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(appointment.Actor)
	return actor, ok
}
