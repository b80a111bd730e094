package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/session"
)

const (
	defaultAccessTTL = 24 * time.Hour
	roleClaim        = "role"
	nameClaim        = "name"
)

// Service signs accounts up, logs them in and turns access tokens back into identities.
type Service struct {
	users     Users
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	signer    jwa.SignatureAlgorithm
	validator TokenValidator
	issuer    string
	audience  string
	clockSkew time.Duration
}

// Config configures the auth service.
type Config struct {
	Users          Users
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// User represents the safe subset of an account returned to clients.
type User struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Role      session.Role `json:"role"`
	CreatedAt time.Time    `json:"createdAt"`
}

// LoginResult is returned by Login and Register.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// NewService constructs a Service instance with sane defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Users == nil {
		return nil, errors.New("auth: users store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "printease"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "printease-clients"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Service{
		users:     cfg.Users,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
		signer:    jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Register creates a user account and logs it in. Self-registered accounts
// are always plain users.
func (s *Service) Register(ctx context.Context, name, email, password string) (LoginResult, error) {
	acct, err := s.CreateAccount(ctx, name, email, password, session.RoleUser)
	if err != nil {
		return LoginResult{}, err
	}
	return s.issue(acct)
}

// CreateAccount stores a new account with the given role.
func (s *Service) CreateAccount(ctx context.Context, name, email, password string, role session.Role) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, common.Validation("name is required", nil)
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" {
		return Account{}, common.Validation("email is required", nil)
	}
	if len(password) < 8 {
		return Account{}, common.Validation("password must be at least 8 characters", nil)
	}
	if role != session.RoleAdmin {
		role = session.RoleUser
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	created, err := s.users.CreateUser(ctx, Account{
		Name:         name,
		Email:        normalizedEmail,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return Account{}, common.NewAppError("EMAIL_ALREADY_USED", "email is already registered", http.StatusConflict, err)
		}
		return Account{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// Login verifies credentials and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	invalid := common.NewAppError("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized, nil)
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" || password == "" {
		return LoginResult{}, invalid
	}
	acct, err := s.users.UserByEmail(ctx, normalizedEmail)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, invalid
		}
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	ok, err := argon2id.ComparePasswordAndHash(password, acct.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, invalid
	}
	return s.issue(acct)
}

// Me fetches the account behind an authenticated identity.
func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	if strings.TrimSpace(userID) == "" {
		return User{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, nil)
	}
	acct, err := s.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	return toUser(acct), nil
}

func (s *Service) issue(acct Account) (LoginResult, error) {
	token, expiresAt, err := s.signAccessToken(acct)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign access token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, User: toUser(acct)}, nil
}

// Identity validates an access token and returns the identity it carries.
func (s *Service) Identity(token string) (session.Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return session.Guest(), common.NewAppError(common.CodeUnauthorized, "missing token", http.StatusUnauthorized, nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return session.Guest(), common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return session.Guest(), common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return session.Guest(), common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return session.Guest(), common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	return session.Identity{
		Credential:  trimmed,
		Role:        session.ParseRole(stringClaim(parsed, roleClaim)),
		DisplayName: stringClaim(parsed, nameClaim),
		Subject:     parsed.Subject(),
	}, nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func (s *Service) signAccessToken(acct Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	token, err := jwt.NewBuilder().
		Subject(acct.ID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim(roleClaim, string(acct.Role)).
		Claim(nameClaim, acct.Name).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func toUser(a Account) User {
	return User{ID: a.ID, Name: a.Name, Email: a.Email, Role: a.Role, CreatedAt: a.CreatedAt}
}
