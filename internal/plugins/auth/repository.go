package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// mysqlErrDuplicateEntry is the MariaDB/MySQL error number for a UNIQUE
// index violation.
const mysqlErrDuplicateEntry = 1062

// UserRepository defines the data access contract for user operations.
// All SQL lives in the concrete implementation -- no SQL leaks out.
// Lookups return apperror.NotFound when no row matches; Create and
// UpdateProfile return apperror.Conflict when the email is taken.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CountUsers(ctx context.Context) (int, error)
	CountByRole(ctx context.Context) (map[Role]int, error)

	UpdateProfile(ctx context.Context, id, name, email string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateRole(ctx context.Context, id string, role Role) error
	Delete(ctx context.Context, id string) error

	// Password reset. The token hash and expiry are always written or
	// cleared together.
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ClearResetToken(ctx context.Context, id string) error
	FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*User, error)

	// CompleteReset stores the new password hash and clears the reset fields
	// in one statement, but only while tokenHash is still the pending,
	// unexpired token. Returns false if it no longer is.
	CompleteReset(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error)
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the column list shared by every user SELECT, in scanUser order.
const userColumns = `id, name, email, password_hash, role,
	reset_password_token, reset_password_expire, created_at, updated_at`

// Create inserts a new user row. A duplicate email surfaces as Conflict,
// which also covers two registrations racing past the EmailExists check.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `INSERT INTO users (id, name, email, password_hash, role, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.PasswordHash,
		string(user.Role),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isDuplicateEntry(err) {
		return apperror.NewConflict("Email already exists")
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// FindByID retrieves a user by id.
func (r *userRepository) FindByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

// FindByEmail retrieves a user by exact email.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return user, nil
}

// EmailExists returns true if a user with the given email already exists.
// Used during registration to reject duplicates before hashing the password.
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

// CountUsers returns the total number of accounts.
func (r *userRepository) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// CountByRole returns the number of accounts per role. Every valid role is
// present in the result, zero when unused.
func (r *userRepository) CountByRole(ctx context.Context) (map[Role]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("counting users by role: %w", err)
	}
	defer rows.Close()

	counts := make(map[Role]int, len(AllRoles()))
	for _, role := range AllRoles() {
		counts[role] = 0
	}
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scanning role count: %w", err)
		}
		if parsed, ok := ParseRole(role); ok {
			counts[parsed] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role counts: %w", err)
	}
	return counts, nil
}

// UpdateProfile sets the name and email of a user.
func (r *userRepository) UpdateProfile(ctx context.Context, id, name, email string) error {
	query := `UPDATE users SET name = ?, email = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, name, email, id)
	if isDuplicateEntry(err) {
		return apperror.NewConflict("Email already exists")
	}
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return requireRow(result)
}

// UpdatePassword replaces a user's password hash.
func (r *userRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return requireRow(result)
}

// UpdateRole replaces a user's role.
func (r *userRepository) UpdateRole(ctx context.Context, id string, role Role) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	return requireRow(result)
}

// Delete removes a user row.
func (r *userRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return requireRow(result)
}

// SetResetToken stores a pending reset, overwriting any earlier one.
func (r *userRepository) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	query := `UPDATE users SET reset_password_token = ?, reset_password_expire = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, tokenHash, expiresAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}
	return requireRow(result)
}

// ClearResetToken removes any pending reset.
func (r *userRepository) ClearResetToken(ctx context.Context, id string) error {
	query := `UPDATE users SET reset_password_token = NULL, reset_password_expire = NULL WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("clearing reset token: %w", err)
	}
	return nil
}

// FindByResetToken returns the user whose pending reset token hash matches
// and has not expired at now.
func (r *userRepository) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users
	          WHERE reset_password_token = ? AND reset_password_expire > ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, tokenHash, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("reset token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by reset token: %w", err)
	}
	return user, nil
}

// CompleteReset sets the new hash and clears the reset fields while the
// token is still current.
func (r *userRepository) CompleteReset(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error) {
	query := `UPDATE users
	          SET password_hash = ?, reset_password_token = NULL, reset_password_expire = NULL
	          WHERE id = ? AND reset_password_token = ? AND reset_password_expire > ?`

	result, err := r.db.ExecContext(ctx, query, passwordHash, id, tokenHash, now.UTC())
	if err != nil {
		return false, fmt.Errorf("completing password reset: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// --- Helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser reads one row selected with userColumns.
func scanUser(row rowScanner) (*User, error) {
	var (
		user        User
		role        string
		resetToken  sql.NullString
		resetExpire sql.NullTime
	)
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&resetToken,
		&resetExpire,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// An unknown stored role is left empty; readers apply OrDefault.
	user.Role, _ = ParseRole(role)
	if resetToken.Valid && resetExpire.Valid {
		user.ResetTokenHash = &resetToken.String
		user.ResetExpiresAt = &resetExpire.Time
	}
	return &user, nil
}

// requireRow turns a zero-row UPDATE/DELETE into NotFound. The DSN sets
// clientFoundRows so an UPDATE that matches without changing still counts.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NewNotFound("User not found")
	}
	return nil
}

// isDuplicateEntry reports whether err is a UNIQUE index violation.
func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}
