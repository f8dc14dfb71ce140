package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// --- Mock Repository ---

// mockUserRepo implements UserRepository for testing.
type mockUserRepo struct {
	createFn           func(ctx context.Context, user *User) error
	findByIDFn         func(ctx context.Context, id string) (*User, error)
	findByEmailFn      func(ctx context.Context, email string) (*User, error)
	emailExistsFn      func(ctx context.Context, email string) (bool, error)
	countUsersFn       func(ctx context.Context) (int, error)
	countByRoleFn      func(ctx context.Context) (map[Role]int, error)
	updateProfileFn    func(ctx context.Context, id, name, email string) error
	updatePasswordFn   func(ctx context.Context, id, passwordHash string) error
	updateRoleFn       func(ctx context.Context, id string, role Role) error
	deleteFn           func(ctx context.Context, id string) error
	setResetTokenFn    func(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	clearResetTokenFn  func(ctx context.Context, id string) error
	findByResetTokenFn func(ctx context.Context, tokenHash string, now time.Time) (*User, error)
	completeResetFn    func(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error)
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("User not found")
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("User not found")
}

func (m *mockUserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

func (m *mockUserRepo) CountUsers(ctx context.Context) (int, error) {
	if m.countUsersFn != nil {
		return m.countUsersFn(ctx)
	}
	return 1, nil
}

func (m *mockUserRepo) CountByRole(ctx context.Context) (map[Role]int, error) {
	if m.countByRoleFn != nil {
		return m.countByRoleFn(ctx)
	}
	return map[Role]int{RoleAdmin: 1, RoleInstructor: 0, RoleStudent: 0}, nil
}

func (m *mockUserRepo) UpdateProfile(ctx context.Context, id, name, email string) error {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, id, name, email)
	}
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, id, passwordHash)
	}
	return nil
}

func (m *mockUserRepo) UpdateRole(ctx context.Context, id string, role Role) error {
	if m.updateRoleFn != nil {
		return m.updateRoleFn(ctx, id, role)
	}
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	if m.setResetTokenFn != nil {
		return m.setResetTokenFn(ctx, id, tokenHash, expiresAt)
	}
	return nil
}

func (m *mockUserRepo) ClearResetToken(ctx context.Context, id string) error {
	if m.clearResetTokenFn != nil {
		return m.clearResetTokenFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	if m.findByResetTokenFn != nil {
		return m.findByResetTokenFn(ctx, tokenHash, now)
	}
	return nil, apperror.NewNotFound("reset token not found")
}

func (m *mockUserRepo) CompleteReset(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error) {
	if m.completeResetFn != nil {
		return m.completeResetFn(ctx, id, tokenHash, passwordHash, now)
	}
	return true, nil
}

// --- Mock Mail Sender ---

// mockMailSender implements MailSender for testing.
type mockMailSender struct {
	sendMailFn func(ctx context.Context, to []string, subject, body string) error
	// Capture fields for assertions.
	lastTo      []string
	lastSubject string
	lastBody    string
	sendCount   int
}

func (m *mockMailSender) SendMail(ctx context.Context, to []string, subject, body string) error {
	m.lastTo = to
	m.lastSubject = subject
	m.lastBody = body
	m.sendCount++
	if m.sendMailFn != nil {
		return m.sendMailFn(ctx, to, subject, body)
	}
	return nil
}

// --- Mock Audit Recorder ---

type recordedEvent struct {
	actorID, action, subjectID string
	details                    map[string]any
}

type mockAudit struct {
	events []recordedEvent
}

func (m *mockAudit) Record(_ context.Context, actorID, action, subjectID string, details map[string]any) {
	m.events = append(m.events, recordedEvent{actorID, action, subjectID, details})
}

// --- Mock Cache ---

type mockCache struct {
	users   map[string]*User
	deleted []string
}

func newMockCache() *mockCache { return &mockCache{users: map[string]*User{}} }

func (m *mockCache) Get(_ context.Context, id string) (*User, string, bool) {
	u, ok := m.users[id]
	if !ok {
		return nil, "", false
	}
	cp := *u
	return &cp, "", true
}

func (m *mockCache) Fill(_ context.Context, user *User, _ string) {
	cp := *user
	m.users[user.ID] = &cp
}

func (m *mockCache) Invalidate(_ context.Context, id string) {
	delete(m.users, id)
	m.deleted = append(m.deleted, id)
}

// --- Test Helpers ---

const testSecret = "test-secret-at-least-32-characters-long"

var testHasher = NewPasswordHasher(bcrypt.MinCost)

// newTestAuthService creates an authService with a mock repo, a fast bcrypt
// cost and a mock mailer.
func newTestAuthService(repo *mockUserRepo) (*authService, *mockMailSender) {
	svc := NewAuthService(repo, NewTokenIssuer([]byte(testSecret), time.Hour), testHasher, ServiceConfig{
		ResetTokenTTL: 10 * time.Minute,
		StoreTimeout:  time.Second,
	}).(*authService)
	mail := &mockMailSender{}
	ConfigureMailSender(svc, mail, "http://localhost:5000/")
	return svc, mail
}

// mustHash hashes a password at the test cost.
func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := testHasher.Hash(password)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return hash
}

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// assertAppMessage checks the client-facing message of an AppError.
func assertAppMessage(t *testing.T, err error, expected string) {
	t.Helper()
	if got := apperror.SafeMessage(err); got != expected {
		t.Errorf("expected message %q, got %q", expected, got)
	}
}

// --- Register Tests ---

func TestRegister_Success(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			created = user
			return nil
		},
	}

	svc, _ := newTestAuthService(repo)
	audit := &mockAudit{}
	ConfigureAudit(svc, audit)

	result, err := svc.Register(context.Background(), RegisterInput{
		Name:     "Ana",
		Email:    " ana@x.com ",
		Password: "secret1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Token == "" {
		t.Error("expected token to be issued")
	}
	if result.User.ID == "" || result.User.ID != created.ID {
		t.Errorf("expected returned id to match persisted id, got %q vs %q", result.User.ID, created.ID)
	}
	if result.User.Role != RoleStudent {
		t.Errorf("expected role student, got %s", result.User.Role)
	}
	if created.Email != "ana@x.com" {
		t.Errorf("expected trimmed email, got %q", created.Email)
	}
	if created.PasswordHash == "" || created.PasswordHash == "secret1" {
		t.Error("expected password to be stored hashed")
	}
	if !testHasher.Verify("secret1", created.PasswordHash) {
		t.Error("stored hash does not verify")
	}

	// The issued token resolves back to the new user.
	userID, err := svc.tokens.Verify(result.Token)
	if err != nil || userID != created.ID {
		t.Errorf("token resolves to %q (%v), want %q", userID, err, created.ID)
	}

	if len(audit.events) != 1 || audit.events[0].action != ActionRegistered {
		t.Errorf("expected one %s audit event, got %+v", ActionRegistered, audit.events)
	}
}

func TestRegister_RoleNormalization(t *testing.T) {
	tests := []struct {
		requested string
		want      Role
	}{
		{"", RoleStudent},
		{"student", RoleStudent},
		{"instructor", RoleInstructor},
		{"admin", RoleStudent},
		{"superuser", RoleStudent},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			svc, _ := newTestAuthService(&mockUserRepo{})
			result, err := svc.Register(context.Background(), RegisterInput{
				Name: "Ana", Email: "ana@x.com", Password: "secret1", Role: tt.requested,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.User.Role != tt.want {
				t.Errorf("requested %q: got role %s, want %s", tt.requested, result.User.Role, tt.want)
			}
		})
	}
}

func TestRegister_FirstUserBecomesAdmin(t *testing.T) {
	repo := &mockUserRepo{
		countUsersFn: func(ctx context.Context) (int, error) {
			return 0, nil // First user.
		},
	}

	svc, _ := newTestAuthService(repo)
	svc.cfg.FirstUserAdmin = true

	result, err := svc.Register(context.Background(), RegisterInput{
		Name: "Admin", Email: "admin@x.com", Password: "secret1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.Role != RoleAdmin {
		t.Errorf("expected first user to be admin, got %s", result.User.Role)
	}
}

func TestRegister_FirstUserAdminDisabled(t *testing.T) {
	repo := &mockUserRepo{
		countUsersFn: func(ctx context.Context) (int, error) {
			t.Error("CountUsers should not be called when first-user admin is off")
			return 0, nil
		},
	}

	svc, _ := newTestAuthService(repo)
	result, err := svc.Register(context.Background(), RegisterInput{
		Name: "Ana", Email: "ana@x.com", Password: "secret1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.Role != RoleStudent {
		t.Errorf("expected student, got %s", result.User.Role)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{
		emailExistsFn: func(ctx context.Context, email string) (bool, error) {
			return true, nil
		},
		createFn: func(ctx context.Context, user *User) error {
			t.Error("Create should not be called for a duplicate email")
			return nil
		},
	}

	svc, _ := newTestAuthService(repo)
	_, err := svc.Register(context.Background(), RegisterInput{
		Name: "Ana", Email: "ana@x.com", Password: "secret1",
	})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Email already exists")
	if !apperror.IsType(err, "conflict") {
		t.Errorf("expected conflict type, got %v", err)
	}
}

func TestRegister_ConcurrentDuplicateLosesAtStore(t *testing.T) {
	// The pre-check passes but the UNIQUE index rejects the insert.
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			return apperror.NewConflict("Email already exists")
		},
	}

	svc, _ := newTestAuthService(repo)
	_, err := svc.Register(context.Background(), RegisterInput{
		Name: "Ana", Email: "ana@x.com", Password: "secret1",
	})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Email already exists")
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		input   RegisterInput
		field   string
		message string
	}{
		{"missing name", RegisterInput{Email: "a@x.com", Password: "secret1"}, "name", "Name is required"},
		{"markup-only name", RegisterInput{Name: "<b></b>", Email: "a@x.com", Password: "secret1"}, "name", "Name is required"},
		{"bad email", RegisterInput{Name: "Ana", Email: "not-an-email", Password: "secret1"}, "email", "Please include a valid email"},
		{"short password", RegisterInput{Name: "Ana", Email: "a@x.com", Password: "12345"}, "password", "Please enter a password with 6 or more characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestAuthService(&mockUserRepo{})
			_, err := svc.Register(context.Background(), tt.input)
			assertAppError(t, err, 400)

			var appErr *apperror.AppError
			errors.As(err, &appErr)
			if len(appErr.Fields) != 1 {
				t.Fatalf("expected 1 field error, got %+v", appErr.Fields)
			}
			if appErr.Fields[0].Field != tt.field || appErr.Fields[0].Message != tt.message {
				t.Errorf("got %+v, want {%s %s}", appErr.Fields[0], tt.field, tt.message)
			}
		})
	}
}

func TestRegister_StoreFailureIsInternal(t *testing.T) {
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			return errors.New("connection refused")
		},
	}

	svc, _ := newTestAuthService(repo)
	_, err := svc.Register(context.Background(), RegisterInput{
		Name: "Ana", Email: "ana@x.com", Password: "secret1",
	})
	assertAppError(t, err, 500)
	if strings.Contains(apperror.SafeMessage(err), "connection refused") {
		t.Error("internal error details leaked into the client message")
	}
}

func TestRegister_StoreCallIsBounded(t *testing.T) {
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected store call to carry a deadline")
			}
			return nil
		},
	}

	svc, _ := newTestAuthService(repo)
	if _, err := svc.Register(context.Background(), RegisterInput{
		Name: "Ana", Email: "ana@x.com", Password: "secret1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Login Tests ---

func TestLogin_Success(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return &User{ID: "user-1", Name: "Ana", Email: email, PasswordHash: mustHash(t, "secret1"), Role: RoleInstructor}, nil
		},
	}

	svc, _ := newTestAuthService(repo)
	result, err := svc.Login(context.Background(), LoginInput{Email: "ana@x.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Token == "" {
		t.Error("expected token")
	}
	if result.User.ID != "user-1" || result.User.Role != RoleInstructor {
		t.Errorf("unexpected user: %+v", result.User)
	}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			if email == "ana@x.com" {
				return &User{ID: "user-1", Email: email, PasswordHash: mustHash(t, "secret1")}, nil
			}
			return nil, apperror.NewNotFound("User not found")
		},
	}
	svc, _ := newTestAuthService(repo)

	_, wrongPassword := svc.Login(context.Background(), LoginInput{Email: "ana@x.com", Password: "wrong"})
	_, unknownEmail := svc.Login(context.Background(), LoginInput{Email: "bob@x.com", Password: "secret1"})

	assertAppError(t, wrongPassword, 400)
	assertAppError(t, unknownEmail, 400)
	assertAppMessage(t, wrongPassword, "Invalid credentials")
	assertAppMessage(t, unknownEmail, "Invalid credentials")
}

func TestLogin_MissingRoleDefaultsToStudent(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return &User{ID: "user-1", Email: email, PasswordHash: mustHash(t, "secret1")}, nil
		},
	}
	svc, _ := newTestAuthService(repo)

	result, err := svc.Login(context.Background(), LoginInput{Email: "ana@x.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.Role != RoleStudent {
		t.Errorf("expected student, got %q", result.User.Role)
	}
}

func TestLogin_MissingPassword(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	_, err := svc.Login(context.Background(), LoginInput{Email: "ana@x.com"})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Password is required")
}

// --- Authenticate / GetUser Tests ---

func TestAuthenticate_Success(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			hash := "reset-hash"
			return &User{ID: id, Name: "Ana", PasswordHash: "digest", ResetTokenHash: &hash}, nil
		},
	}
	svc, _ := newTestAuthService(repo)
	token, _ := svc.tokens.Issue("user-1")

	user, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("expected user-1, got %s", user.ID)
	}
	if user.PasswordHash != "" || user.ResetTokenHash != nil {
		t.Error("expected secrets to be stripped")
	}
	if user.Role != RoleStudent {
		t.Errorf("expected missing role to default to student, got %q", user.Role)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	_, err := svc.Authenticate(context.Background(), "garbage")
	assertAppError(t, err, 401)
	assertAppMessage(t, err, "Token is not valid")
}

func TestAuthenticate_DeletedUser(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	token, _ := svc.tokens.Issue("gone")

	_, err := svc.Authenticate(context.Background(), token)
	assertAppError(t, err, 404)
	assertAppMessage(t, err, "User not found")
}

func TestGetUser_UsesCache(t *testing.T) {
	calls := 0
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			calls++
			return &User{ID: id, Name: "Ana", Role: RoleInstructor, PasswordHash: "digest"}, nil
		},
	}
	svc, _ := newTestAuthService(repo)
	cache := newMockCache()
	ConfigureCache(svc, cache)

	first, err := svc.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected one store lookup, got %d", calls)
	}
	if first.Public() != second.Public() {
		t.Errorf("repeated reads differ: %+v vs %+v", first.Public(), second.Public())
	}
	if cache.users["user-1"].PasswordHash != "" {
		t.Error("password hash must not be cached")
	}
}

// --- ChangePassword Tests ---

func TestChangePassword_Success(t *testing.T) {
	var storedHash string
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, PasswordHash: mustHash(t, "secret1")}, nil
		},
		updatePasswordFn: func(ctx context.Context, id, passwordHash string) error {
			storedHash = passwordHash
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	err := svc.ChangePassword(context.Background(), "user-1", ChangePasswordInput{
		CurrentPassword: "secret1",
		NewPassword:     "secret2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !testHasher.Verify("secret2", storedHash) {
		t.Error("expected new password to be stored")
	}
	if testHasher.Verify("secret1", storedHash) {
		t.Error("old password still verifies")
	}
}

func TestChangePassword_WrongCurrent(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, PasswordHash: mustHash(t, "secret1")}, nil
		},
		updatePasswordFn: func(ctx context.Context, id, passwordHash string) error {
			t.Error("password should not be updated")
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	err := svc.ChangePassword(context.Background(), "user-1", ChangePasswordInput{
		CurrentPassword: "nope",
		NewPassword:     "secret2",
	})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Current password is incorrect")
}

func TestChangePassword_ShortNew(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	err := svc.ChangePassword(context.Background(), "user-1", ChangePasswordInput{
		CurrentPassword: "secret1",
		NewPassword:     "123",
	})
	assertAppError(t, err, 400)
}

func TestChangePassword_ClearsPendingReset(t *testing.T) {
	cleared := false
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			hash := "pending"
			expires := time.Now().Add(5 * time.Minute)
			return &User{ID: id, PasswordHash: mustHash(t, "secret1"), ResetTokenHash: &hash, ResetExpiresAt: &expires}, nil
		},
		clearResetTokenFn: func(ctx context.Context, id string) error {
			cleared = true
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	if err := svc.ChangePassword(context.Background(), "user-1", ChangePasswordInput{
		CurrentPassword: "secret1", NewPassword: "secret2",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cleared {
		t.Error("expected pending reset to be cleared")
	}
}

// --- ForgotPassword Tests ---

func TestForgotPassword_Success(t *testing.T) {
	var storedHash string
	var storedExpiry time.Time
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return &User{ID: "user-1", Name: "Ana", Email: email}, nil
		},
		setResetTokenFn: func(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
			storedHash = tokenHash
			storedExpiry = expiresAt
			return nil
		},
	}
	svc, mail := newTestAuthService(repo)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	if err := svc.ForgotPassword(context.Background(), ForgotPasswordInput{Email: "ana@x.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mail.sendCount != 1 {
		t.Fatalf("expected 1 email, got %d", mail.sendCount)
	}
	if len(mail.lastTo) != 1 || mail.lastTo[0] != "ana@x.com" {
		t.Errorf("unexpected recipient: %v", mail.lastTo)
	}
	if mail.lastSubject != resetEmailSubject {
		t.Errorf("unexpected subject: %q", mail.lastSubject)
	}
	if !storedExpiry.Equal(fixed.Add(10 * time.Minute)) {
		t.Errorf("expected expiry 10m after issue, got %s", storedExpiry)
	}

	// The mail carries the raw token; only its hash was stored.
	prefix := "http://localhost:5000/api/users/reset-password/"
	idx := strings.Index(mail.lastBody, prefix)
	if idx < 0 {
		t.Fatalf("reset link missing from body: %s", mail.lastBody)
	}
	raw := mail.lastBody[idx+len(prefix):][:resetTokenBytes*2]
	if raw == storedHash {
		t.Error("raw token must not be stored")
	}
	if hashResetToken(raw) != storedHash {
		t.Error("stored hash does not match the mailed token")
	}
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	svc, mail := newTestAuthService(&mockUserRepo{})
	err := svc.ForgotPassword(context.Background(), ForgotPasswordInput{Email: "nobody@x.com"})
	assertAppError(t, err, 404)
	assertAppMessage(t, err, "User not found")
	if mail.sendCount != 0 {
		t.Error("no mail should be sent")
	}
}

func TestForgotPassword_SendFailureClearsToken(t *testing.T) {
	cleared := false
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return &User{ID: "user-1", Email: email}, nil
		},
		clearResetTokenFn: func(ctx context.Context, id string) error {
			cleared = true
			return nil
		},
	}
	svc, mail := newTestAuthService(repo)
	mail.sendMailFn = func(ctx context.Context, to []string, subject, body string) error {
		return errors.New("smtp down")
	}

	err := svc.ForgotPassword(context.Background(), ForgotPasswordInput{Email: "ana@x.com"})
	assertAppError(t, err, 500)
	if !cleared {
		t.Error("expected undelivered token to be cleared")
	}
}

func TestForgotPassword_DeliveryIsBounded(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return &User{ID: "user-1", Email: email}, nil
		},
	}
	svc, mail := newTestAuthService(repo)
	mail.sendMailFn = func(ctx context.Context, to []string, subject, body string) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("expected mail delivery to carry a deadline")
		} else if time.Until(deadline) > mailTimeout {
			t.Errorf("deadline %s exceeds the mail timeout", time.Until(deadline))
		}
		return nil
	}

	if err := svc.ForgotPassword(context.Background(), ForgotPasswordInput{Email: "ana@x.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestForgotPassword_NoMailer(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	svc.mail = nil

	err := svc.ForgotPassword(context.Background(), ForgotPasswordInput{Email: "ana@x.com"})
	assertAppError(t, err, 500)
}

// --- ResetPassword Tests ---

func TestResetPassword_Success(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef01234567"
	var gotHash, gotPassword string
	repo := &mockUserRepo{
		findByResetTokenFn: func(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
			if tokenHash != hashResetToken(raw) {
				t.Errorf("expected lookup by token hash")
			}
			return &User{ID: "user-1"}, nil
		},
		completeResetFn: func(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error) {
			gotHash = tokenHash
			gotPassword = passwordHash
			return true, nil
		},
	}
	svc, _ := newTestAuthService(repo)

	if err := svc.ResetPassword(context.Background(), raw, ResetPasswordInput{Password: "newpass"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHash != hashResetToken(raw) {
		t.Error("reset must be conditional on the same token hash")
	}
	if !testHasher.Verify("newpass", gotPassword) {
		t.Error("expected new password hash to be stored")
	}
}

func TestResetPassword_UnknownOrExpired(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	err := svc.ResetPassword(context.Background(), "whatever", ResetPasswordInput{Password: "newpass"})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Invalid or expired token")
}

func TestResetPassword_LostRace(t *testing.T) {
	repo := &mockUserRepo{
		findByResetTokenFn: func(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
			return &User{ID: "user-1"}, nil
		},
		completeResetFn: func(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error) {
			return false, nil
		},
	}
	svc, _ := newTestAuthService(repo)

	err := svc.ResetPassword(context.Background(), "tok", ResetPasswordInput{Password: "newpass"})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Invalid or expired token")
}

func TestResetPassword_ShortPassword(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	err := svc.ResetPassword(context.Background(), "tok", ResetPasswordInput{Password: "123"})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Please enter a password with 6 or more characters")
}

// --- UpdateProfile Tests ---

func TestUpdateProfile_PartialUpdate(t *testing.T) {
	var gotName, gotEmail string
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Name: "Ana", Email: "ana@x.com", Role: RoleStudent}, nil
		},
		updateProfileFn: func(ctx context.Context, id, name, email string) error {
			gotName, gotEmail = name, email
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)
	cache := newMockCache()
	ConfigureCache(svc, cache)

	name := "Ana Lopez"
	user, err := svc.UpdateProfile(context.Background(), "user-1", "user-1", UpdateProfileInput{Name: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotName != "Ana Lopez" || gotEmail != "ana@x.com" {
		t.Errorf("expected only name to change, got %q %q", gotName, gotEmail)
	}
	if user.Name != "Ana Lopez" {
		t.Errorf("expected updated name, got %q", user.Name)
	}
	if len(cache.deleted) != 1 {
		t.Error("expected cache eviction")
	}
}

func TestUpdateProfile_EmailTaken(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Name: "Ana", Email: "ana@x.com"}, nil
		},
		emailExistsFn: func(ctx context.Context, email string) (bool, error) {
			return email == "bob@x.com", nil
		},
	}
	svc, _ := newTestAuthService(repo)

	email := "bob@x.com"
	_, err := svc.UpdateProfile(context.Background(), "user-1", "user-1", UpdateProfileInput{Email: &email})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Email already exists")
}

func TestUpdateProfile_InvalidEmail(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	email := "nope"
	_, err := svc.UpdateProfile(context.Background(), "user-1", "user-1", UpdateProfileInput{Email: &email})
	assertAppError(t, err, 400)
}

func TestUpdateProfile_NoChangesSkipsWrite(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Name: "Ana", Email: "ana@x.com"}, nil
		},
		updateProfileFn: func(ctx context.Context, id, name, email string) error {
			t.Error("no write expected")
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	email := "ana@x.com"
	if _, err := svc.UpdateProfile(context.Background(), "user-1", "user-1", UpdateProfileInput{Email: &email}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateProfile_NotFound(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	name := "Ana"
	_, err := svc.UpdateProfile(context.Background(), "admin-1", "missing", UpdateProfileInput{Name: &name})
	assertAppError(t, err, 404)
}

// --- DeleteAccount Tests ---

func TestDeleteAccount_Success(t *testing.T) {
	deleted := ""
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Role: RoleStudent}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)
	cache := newMockCache()
	cache.users["user-1"] = &User{ID: "user-1"}
	ConfigureCache(svc, cache)

	if err := svc.DeleteAccount(context.Background(), "user-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "user-1" {
		t.Errorf("expected user-1 deleted, got %q", deleted)
	}
	if _, ok := cache.users["user-1"]; ok {
		t.Error("expected cache entry to be evicted")
	}
}

func TestDeleteAccount_NotFound(t *testing.T) {
	repo := &mockUserRepo{
		deleteFn: func(ctx context.Context, id string) error {
			return apperror.NewNotFound("User not found")
		},
	}
	svc, _ := newTestAuthService(repo)
	err := svc.DeleteAccount(context.Background(), "admin-1", "missing")
	assertAppError(t, err, 404)
}

func TestDeleteAccount_LastAdminProtected(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Role: RoleAdmin}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			t.Error("last admin should not be deleted")
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	err := svc.DeleteAccount(context.Background(), "admin-1", "admin-1")
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Cannot remove the last admin")
}

func TestDeleteAccount_AdminWithPeer(t *testing.T) {
	deleted := false
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Role: RoleAdmin}, nil
		},
		countByRoleFn: func(ctx context.Context) (map[Role]int, error) {
			return map[Role]int{RoleAdmin: 2}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	if err := svc.DeleteAccount(context.Background(), "admin-2", "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Error("expected admin with a peer to be deleted")
	}
}

// A read that fetched the row before the delete must not re-cache it after
// the delete evicted the entry.
func TestDeleteAccount_RacingReadDoesNotRevive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	var svc *authService
	gone := false
	reads := 0
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			if gone {
				return nil, apperror.NewNotFound("User not found")
			}
			reads++
			row := &User{ID: id, Name: "Ana", Email: "ana@x.com", Role: RoleStudent}
			if reads == 1 {
				// The row is read; the delete lands before the cache fill.
				if err := svc.DeleteAccount(ctx, id, id); err != nil {
					t.Fatalf("delete: %v", err)
				}
			}
			return row, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			gone = true
			return nil
		},
	}
	svc, _ = newTestAuthService(repo)
	ConfigureCache(svc, NewRedisUserCache(rdb, 5*time.Minute))
	token, _ := svc.tokens.Issue("user-1")

	// The in-flight read still answers with the row it saw.
	if _, err := svc.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := svc.Authenticate(context.Background(), token)
	assertAppError(t, err, 404)
	if mr.Exists(userCacheKeyPrefix + "user-1") {
		t.Error("deleted account must not be cached")
	}
}

// --- ChangeRole Tests ---

func TestChangeRole_Success(t *testing.T) {
	var gotRole Role
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Name: "Ana", Role: RoleStudent}, nil
		},
		updateRoleFn: func(ctx context.Context, id string, role Role) error {
			gotRole = role
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)
	audit := &mockAudit{}
	ConfigureAudit(svc, audit)

	user, err := svc.ChangeRole(context.Background(), "admin-1", ChangeRoleInput{UserID: "user-1", NewRole: "instructor"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotRole != RoleInstructor || user.Role != RoleInstructor {
		t.Errorf("expected instructor, got stored %q returned %q", gotRole, user.Role)
	}
	if len(audit.events) != 1 || audit.events[0].actorID != "admin-1" {
		t.Errorf("expected role change audit by admin-1, got %+v", audit.events)
	}
}

func TestChangeRole_InvalidRole(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	_, err := svc.ChangeRole(context.Background(), "admin-1", ChangeRoleInput{UserID: "user-1", NewRole: "owner"})
	assertAppError(t, err, 400)
	assertAppMessage(t, err, "Invalid role")
}

func TestChangeRole_TargetMissing(t *testing.T) {
	svc, _ := newTestAuthService(&mockUserRepo{})
	_, err := svc.ChangeRole(context.Background(), "admin-1", ChangeRoleInput{UserID: "missing", NewRole: "admin"})
	assertAppError(t, err, 404)
}

func TestChangeRole_LastAdminProtected(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, Role: RoleAdmin}, nil
		},
		updateRoleFn: func(ctx context.Context, id string, role Role) error {
			t.Error("last admin should not be demoted")
			return nil
		},
	}
	svc, _ := newTestAuthService(repo)

	_, err := svc.ChangeRole(context.Background(), "admin-1", ChangeRoleInput{UserID: "admin-1", NewRole: "student"})
	assertAppError(t, err, 400)
}
