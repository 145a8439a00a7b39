package export

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the JWT payload issued to export-API operators, grounded on the
// teacher's pkg/auth.Claims.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidCredentials = errors.New("export: invalid credentials")
	ErrInvalidToken       = errors.New("export: invalid token")
	ErrTokenExpired       = errors.New("export: token expired")
)

// operator is a local username/password account for the export API, the
// teacher's User type narrowed to what a read-only API needs (no RBAC
// roles: every authenticated operator can read every accessor).
type operator struct {
	username     string
	passwordHash string
}

// AuthService issues and validates bearer tokens for the export HTTP API,
// following the teacher's pkg/auth.Service shape (bcrypt-hashed local
// accounts, HS256 JWTs, an in-memory session cache keyed by token string).
type AuthService struct {
	mu          sync.RWMutex
	secret      []byte
	tokenExpiry time.Duration
	operators   map[string]operator
	sessions    map[string]time.Time // token -> expiry, avoids re-parsing on every request
}

// NewAuthService builds an AuthService with the given HMAC secret and token
// lifetime.
func NewAuthService(secret string, tokenExpiry time.Duration) *AuthService {
	if tokenExpiry <= 0 {
		tokenExpiry = time.Hour
	}
	return &AuthService{
		secret:      []byte(secret),
		tokenExpiry: tokenExpiry,
		operators:   make(map[string]operator),
		sessions:    make(map[string]time.Time),
	}
}

// RegisterOperator adds a local account with a bcrypt-hashed password.
func (a *AuthService) RegisterOperator(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("export: hash password: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.operators[username] = operator{username: username, passwordHash: string(hash)}
	return nil
}

// Authenticate checks a username/password pair and, on success, issues a
// signed JWT bearer token.
func (a *AuthService) Authenticate(username, password string) (string, error) {
	a.mu.RLock()
	op, ok := a.operators[username]
	a.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(a.tokenExpiry)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("export: sign token: %w", err)
	}

	a.mu.Lock()
	a.sessions[signed] = expiresAt
	a.mu.Unlock()
	return signed, nil
}

// ValidateToken checks a bearer token's signature and expiry.
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	a.mu.RLock()
	expiry, cached := a.sessions[tokenString]
	a.mu.RUnlock()
	if cached {
		if time.Now().After(expiry) {
			a.mu.Lock()
			delete(a.sessions, tokenString)
			a.mu.Unlock()
			return nil, ErrTokenExpired
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Logout invalidates a cached session without waiting for it to expire.
func (a *AuthService) Logout(tokenString string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, tokenString)
}
