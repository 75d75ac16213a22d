// Package operators manages dashboard accounts and password verification.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/db"
)

var (
	ErrNotFound           = errors.New("operator not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Operator is a dashboard account. PasswordHash never leaves the service.
type Operator struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`

	passwordHash string
}

// Identity converts the account into an auth principal.
func (o Operator) Identity() auth.Identity {
	return auth.Identity{OperatorID: o.ID, Role: o.Role, DisplayName: o.DisplayName}
}

type Service struct {
	log *slog.Logger
	db  db.DBTX
}

func NewService(log *slog.Logger, dbtx db.DBTX) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log: log.With(slog.String("service", "operators")),
		db:  dbtx,
	}
}

const getByUsernameSQL = `
SELECT id, username, password_hash, role, display_name
FROM operators
WHERE username = $1
`

// GetByUsername looks an account up by its login name.
func (s *Service) GetByUsername(ctx context.Context, username string) (Operator, error) {
	row := s.db.QueryRow(ctx, getByUsernameSQL, username)
	return scanOperator(row)
}

const getByIDSQL = `
SELECT id, username, password_hash, role, display_name
FROM operators
WHERE id = $1
`

// GetByID looks an account up by its id.
func (s *Service) GetByID(ctx context.Context, id string) (Operator, error) {
	uid, err := db.ParseUUID(id)
	if err != nil {
		return Operator{}, fmt.Errorf("parse operator id: %w", err)
	}
	row := s.db.QueryRow(ctx, getByIDSQL, uid)
	return scanOperator(row)
}

const listSQL = `
SELECT id, username, password_hash, role, display_name
FROM operators
ORDER BY username
`

// List returns every account.
func (s *Service) List(ctx context.Context) ([]Operator, error) {
	rows, err := s.db.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.ID, &op.Username, &op.passwordHash, &op.Role, &op.DisplayName); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

const createSQL = `
INSERT INTO operators (username, password_hash, role, display_name)
VALUES ($1, $2, $3, $4)
RETURNING id
`

// Create stores a new account with a bcrypt password hash.
func (s *Service) Create(ctx context.Context, username, password, role, displayName string) (Operator, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Operator{}, fmt.Errorf("username is required")
	}
	if password == "" {
		return Operator{}, fmt.Errorf("password is required")
	}
	if role != auth.RoleAdmin && role != auth.RoleOperator {
		return Operator{}, fmt.Errorf("unknown role %q", role)
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Operator{}, fmt.Errorf("hash password: %w", err)
	}

	op := Operator{Username: username, Role: role, DisplayName: displayName, passwordHash: string(hash)}
	row := s.db.QueryRow(ctx, createSQL, username, string(hash), role, displayName)
	if err := row.Scan(&op.ID); err != nil {
		return Operator{}, fmt.Errorf("create operator: %w", err)
	}
	s.log.Info("operator created", slog.String("username", username), slog.String("role", role))
	return op, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Operator, error) {
	op, err := s.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Operator{}, ErrInvalidCredentials
		}
		return Operator{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(op.passwordHash), []byte(password)) != nil {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

// EnsureAdmin creates the administrative account on first boot. An existing
// account with the same username is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil
	}
	_, err := s.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	_, err = s.Create(ctx, username, password, auth.RoleAdmin, username)
	return err
}

func scanOperator(row pgx.Row) (Operator, error) {
	var op Operator
	if err := row.Scan(&op.ID, &op.Username, &op.passwordHash, &op.Role, &op.DisplayName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("scan operator: %w", err)
	}
	return op, nil
}
