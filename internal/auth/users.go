package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/printease/internal/session"
)

var (
	// ErrUserNotFound is returned when no account matches.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrEmailTaken is returned when an email is already registered.
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrStoreUnavailable indicates the user store dependency is not configured.
	ErrStoreUnavailable = errors.New("auth: user store unavailable")
)

// Account is a stored user.
type Account struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         session.Role
	CreatedAt    time.Time
}

// Users persists accounts.
type Users interface {
	CreateUser(ctx context.Context, a Account) (Account, error)
	UserByEmail(ctx context.Context, email string) (Account, error)
	UserByID(ctx context.Context, id string) (Account, error)
}

// NewPostgresUsers returns a Users store backed by a pgx pool.
func NewPostgresUsers(pool *pgxpool.Pool) *PostgresUsers {
	return &PostgresUsers{pool: pool}
}

// PostgresUsers stores accounts in the users table.
type PostgresUsers struct {
	pool *pgxpool.Pool
}

const selectUser = `SELECT id, name, email, password_hash, role, created_at FROM users`

func (s *PostgresUsers) CreateUser(ctx context.Context, a Account) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `INSERT INTO users (id, name, email, password_hash, role)
VALUES ($1, $2, $3, $4, $5) RETURNING created_at`, a.ID, a.Name, a.Email, a.PasswordHash, string(a.Role)).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrEmailTaken
		}
		return Account{}, err
	}
	return a, nil
}

func (s *PostgresUsers) UserByEmail(ctx context.Context, email string) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	return scanAccount(s.pool.QueryRow(ctx, selectUser+` WHERE email = $1`, email))
}

func (s *PostgresUsers) UserByID(ctx context.Context, id string) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrUserNotFound
	}
	return scanAccount(s.pool.QueryRow(ctx, selectUser+` WHERE id = $1`, uid))
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a    Account
		id   uuid.UUID
		role string
	)
	if err := row.Scan(&id, &a.Name, &a.Email, &a.PasswordHash, &role, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrUserNotFound
		}
		return Account{}, err
	}
	a.ID = id.String()
	a.Role = session.ParseRole(role)
	return a, nil
}

// MemoryUsers keeps accounts in process, for tests and local runs.
type MemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byID: map[string]Account{}, byEmail: map[string]string{}}
}

func (m *MemoryUsers) CreateUser(_ context.Context, a Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(a.Email)
	if _, ok := m.byEmail[key]; ok {
		return Account{}, ErrEmailTaken
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	m.byID[a.ID] = a
	m.byEmail[key] = a.ID
	return a, nil
}

func (m *MemoryUsers) UserByEmail(_ context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryUsers) UserByID(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	return a, nil
}
