package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/terminal-bench/flowvault/internal/ledger"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrEmailExists     = errors.New("email already exists")
	ErrInvalidToken    = errors.New("invalid token")
)

// Service verifies caller identity. The vault engines never see tokens:
// they receive the verified identity extracted here and compare it against
// stored authority fields.
type Service struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	jwtSecret string
	tokenTTL  time.Duration
}

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewService creates the auth service. A primary ledger account is opened
// for every registered user so deposits have a funding source.
func NewService(db *sql.DB, l *ledger.Ledger, jwtSecret string) *Service {
	return &Service{
		db:        db,
		ledger:    l,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

// EnsureSchema creates the auth tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            UUID PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create auth schema: %w", err)
	}
	return nil
}

// Register creates a user and their primary ledger account.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)", email).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	userID := uuid.New()
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)",
		userID, email, string(hash), now,
	)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil {
		if _, err := s.ledger.CreateAccount(ctx, userID, ledger.KindPrimary); err != nil {
			return nil, fmt.Errorf("failed to create primary account: %w", err)
		}
	}

	return &User{ID: userID, Email: email, CreatedAt: now}, nil
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	var userID uuid.UUID
	var storedHash string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE email = $1",
		email,
	).Scan(&userID, &storedHash)

	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) != nil {
		return "", ErrInvalidPassword
	}

	return s.IssueToken(userID, email)
}

// IssueToken signs a token for the given identity.
func (s *Service) IssueToken(userID uuid.UUID, email string) (string, error) {
	claims := &Claims{
		UserID: userID.String(),
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken validates a bearer token and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (uuid.UUID, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	return userID, nil
}
