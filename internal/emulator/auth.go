package emulator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errUnauthenticated = errors.New("authentication credentials were not provided or are invalid")

// User is an account known to the emulator.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Token is a static API token; empty disables token auth for the user.
	Token string `yaml:"token"`
	// ReadOnly users get 403 on every mutating request.
	ReadOnly bool `yaml:"read_only"`
	// Name and Email are listed by api/users.json.
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// authenticator issues and verifies session tokens.
type authenticator struct {
	users  []User
	secret []byte
	ttl    time.Duration
}

func newAuthenticator(users []User, secret string, ttl time.Duration) *authenticator {
	if secret == "" {
		secret = uuid.NewString()
	}
	return &authenticator{users: users, secret: []byte(secret), ttl: ttl}
}

// Login checks credentials and returns a signed HS256 session token.
func (a *authenticator) Login(username, password string) (string, error) {
	for _, u := range a.users {
		if u.Username == username && u.Password != "" &&
			subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1 {
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   u.Username,
				Issuer:    "kechain-emulator",
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
			if err != nil {
				return "", fmt.Errorf("emulator: sign token: %w", err)
			}
			return token, nil
		}
	}
	return "", errUnauthenticated
}

// Verify resolves a bearer token, static or session, to its user.
func (a *authenticator) Verify(token string) (User, error) {
	if token == "" {
		return User{}, errUnauthenticated
	}
	for _, u := range a.users {
		if u.Token != "" && subtle.ConstantTimeCompare([]byte(u.Token), []byte(token)) == 1 {
			return u, nil
		}
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	for _, u := range a.users {
		if u.Username == claims.Subject {
			return u, nil
		}
	}
	return User{}, errUnauthenticated
}

type userKey struct{}

// UserFrom returns the authenticated user of a request.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// AuthMiddleware requires a valid "Authorization: Bearer <token>" header.
// Read-only users may only issue safe requests.
func AuthMiddleware(auth *authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				token, _ = strings.CutPrefix(header, "Token ")
			}
			user, err := auth.Verify(strings.TrimSpace(token))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody(errUnauthenticated.Error()))
				return
			}
			if user.ReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeJSON(w, http.StatusForbidden, errorBody("you do not have permission to perform this action"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}
