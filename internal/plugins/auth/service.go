package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyxmakerx/coursehub/internal/apperror"
	"github.com/keyxmakerx/coursehub/internal/sanitize"
)

// Audit actions recorded by the service.
const (
	ActionRegistered      = "user.registered"
	ActionPasswordChanged = "user.password_changed"
	ActionPasswordReset   = "user.password_reset"
	ActionProfileUpdated  = "user.profile_updated"
	ActionRoleChanged     = "user.role_changed"
	ActionDeleted         = "user.deleted"
)

// mailTimeout bounds delivery of one recovery message.
const mailTimeout = 30 * time.Second

// MailSender is the outgoing mail dependency. Implemented by the smtp
// plugin; defined here so auth does not import it.
type MailSender interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// AuditRecorder records account events. Implemented by the audit plugin.
// Recording is best-effort and never fails the calling operation.
type AuditRecorder interface {
	Record(ctx context.Context, actorID, action, subjectID string, details map[string]any)
}

// AuthService defines the business logic contract for identity.
// Handlers and middleware call these methods -- they never touch the
// repository directly.
type AuthService interface {
	Register(ctx context.Context, input RegisterInput) (*AuthResult, error)
	Login(ctx context.Context, input LoginInput) (*AuthResult, error)

	// Authenticate resolves an identity token to its user, with the password
	// hash and reset fields stripped and the role defaulted for reading.
	Authenticate(ctx context.Context, token string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	ChangePassword(ctx context.Context, userID string, input ChangePasswordInput) error
	ForgotPassword(ctx context.Context, input ForgotPasswordInput) error
	ResetPassword(ctx context.Context, rawToken string, input ResetPasswordInput) error

	UpdateProfile(ctx context.Context, actorID, userID string, input UpdateProfileInput) (*User, error)
	DeleteAccount(ctx context.Context, actorID, userID string) error
	ChangeRole(ctx context.Context, actorID string, input ChangeRoleInput) (*User, error)

	RoleCounts(ctx context.Context) (map[Role]int, error)
}

// ServiceConfig holds the tunables of the auth service.
type ServiceConfig struct {
	// ResetTokenTTL is how long a password-reset token stays redeemable.
	ResetTokenTTL time.Duration

	// StoreTimeout bounds each repository call. Zero means no extra bound.
	StoreTimeout time.Duration

	// FirstUserAdmin grants admin to the first account in an empty store.
	FirstUserAdmin bool
}

// authService implements AuthService.
type authService struct {
	repo   UserRepository
	tokens *TokenIssuer
	hasher *PasswordHasher
	cfg    ServiceConfig

	cache UserCache
	mail  MailSender
	audit AuditRecorder

	// baseURL prefixes the recovery link in reset mail.
	baseURL string

	// dummyHash is compared against on logins for unknown emails so both
	// failure paths cost one bcrypt comparison.
	dummyHash string

	now func() time.Time
}

// NewAuthService creates a new auth service with the given dependencies.
// Mail, cache and audit are attached afterwards with the Configure helpers.
func NewAuthService(repo UserRepository, tokens *TokenIssuer, hasher *PasswordHasher, cfg ServiceConfig) AuthService {
	dummy, err := hasher.Hash("coursehub-login-timing-equalizer")
	if err != nil {
		slog.Warn("failed to precompute dummy password hash", slog.Any("error", err))
	}
	return &authService{
		repo:      repo,
		tokens:    tokens,
		hasher:    hasher,
		cfg:       cfg,
		cache:     noopUserCache{},
		dummyHash: dummy,
		now:       time.Now,
	}
}

// ConfigureMailSender attaches the mail dependency and the public base URL
// used in recovery links. Without a mail sender, ForgotPassword fails.
func ConfigureMailSender(svc AuthService, mail MailSender, baseURL string) {
	if s, ok := svc.(*authService); ok {
		s.mail = mail
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// ConfigureCache attaches the identity cache used by Authenticate and GetUser.
func ConfigureCache(svc AuthService, cache UserCache) {
	if s, ok := svc.(*authService); ok && cache != nil {
		s.cache = cache
	}
}

// ConfigureAudit attaches the audit recorder.
func ConfigureAudit(svc AuthService, audit AuditRecorder) {
	if s, ok := svc.(*authService); ok {
		s.audit = audit
	}
}

// Register creates a new account and returns it with a fresh identity token.
func (s *authService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	input.Name = sanitize.Name(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	if err := validateInput(input); err != nil {
		return nil, err
	}

	// Check if email is already taken before doing expensive hashing.
	exists, err := s.emailExists(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperror.NewConflict("Email already exists")
	}

	role := registrationRole(input.Role)
	if s.cfg.FirstUserAdmin {
		count, err := s.countUsers(ctx)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			role = RoleAdmin
			slog.Info("first user registered, granting admin", slog.String("email", input.Email))
		}
	}

	hash, err := s.hashPassword(input.Password, "password")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.repo.Create(sctx, user)
	cancel()
	if err != nil {
		return nil, storeError(err, "creating user")
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("issuing token: %w", err))
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	s.record(ctx, user.ID, ActionRegistered, user.ID, map[string]any{"role": user.Role})

	return &AuthResult{Token: token, User: user.Public()}, nil
}

// Login checks credentials and returns a fresh identity token. Unknown email
// and wrong password fail identically.
func (s *authService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := validateInput(input); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.repo.FindByEmail(sctx, input.Email)
	cancel()
	if apperror.Is(err, 404) {
		s.hasher.Verify(input.Password, s.dummyHash)
		return nil, apperror.NewInvalidCredentials()
	}
	if err != nil {
		return nil, storeError(err, "finding user")
	}

	if !s.hasher.Verify(input.Password, user.PasswordHash) {
		slog.Info("login failed", slog.String("user_id", user.ID))
		return nil, apperror.NewInvalidCredentials()
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("issuing token: %w", err))
	}

	user.Role = user.Role.OrDefault()
	slog.Info("user logged in", slog.String("user_id", user.ID))

	return &AuthResult{Token: token, User: user.Public()}, nil
}

// Authenticate verifies token and resolves the user it names.
func (s *authService) Authenticate(ctx context.Context, token string) (*User, error) {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		slog.Debug("rejected identity token", slog.Any("error", err))
		return nil, apperror.NewUnauthorized("Token is not valid")
	}
	return s.GetUser(ctx, userID)
}

// GetUser returns the public view of a user, consulting the cache first.
func (s *authService) GetUser(ctx context.Context, id string) (*User, error) {
	user, stamp, ok := s.cache.Get(ctx, id)
	if ok {
		user.Role = user.Role.OrDefault()
		return user, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.repo.FindByID(sctx, id)
	cancel()
	if apperror.Is(err, 404) {
		return nil, apperror.NewNotFound("User not found")
	}
	if err != nil {
		return nil, storeError(err, "finding user")
	}

	public := stripSecrets(user)
	s.cache.Fill(ctx, public, stamp)

	// The default applies to this request only; the stored row and the
	// cache keep whatever role was persisted.
	resolved := *public
	resolved.Role = resolved.Role.OrDefault()
	return &resolved, nil
}

// ChangePassword replaces the caller's password after checking the current one.
func (s *authService) ChangePassword(ctx context.Context, userID string, input ChangePasswordInput) error {
	if err := validateInput(input); err != nil {
		return err
	}

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}

	if !s.hasher.Verify(input.CurrentPassword, user.PasswordHash) {
		return apperror.NewBadRequest("Current password is incorrect")
	}

	hash, err := s.hashPassword(input.NewPassword, "newPassword")
	if err != nil {
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.repo.UpdatePassword(sctx, user.ID, hash)
	cancel()
	if err != nil {
		return storeError(err, "updating password")
	}

	// A pending recovery for the old password is no longer wanted.
	if user.ResetTokenHash != nil {
		sctx, cancel := s.storeCtx(ctx)
		if err := s.repo.ClearResetToken(sctx, user.ID); err != nil {
			slog.Warn("failed to clear pending reset after password change",
				slog.String("user_id", user.ID),
				slog.Any("error", err),
			)
		}
		cancel()
	}

	slog.Info("password changed", slog.String("user_id", user.ID))
	s.record(ctx, user.ID, ActionPasswordChanged, user.ID, nil)
	return nil
}

// ForgotPassword stores a new reset token for the account and mails the raw
// token in a recovery link. Any earlier pending token is overwritten.
func (s *authService) ForgotPassword(ctx context.Context, input ForgotPasswordInput) error {
	input.Email = strings.TrimSpace(input.Email)
	if err := validateInput(input); err != nil {
		return err
	}
	if s.mail == nil {
		return apperror.NewInternal(errors.New("mail sender not configured"))
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.repo.FindByEmail(sctx, input.Email)
	cancel()
	if apperror.Is(err, 404) {
		return apperror.NewNotFound("User not found")
	}
	if err != nil {
		return storeError(err, "finding user")
	}

	raw, hash, err := generateResetToken()
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("generating reset token: %w", err))
	}
	expiresAt := s.now().UTC().Add(s.cfg.ResetTokenTTL)

	sctx, cancel = s.storeCtx(ctx)
	err = s.repo.SetResetToken(sctx, user.ID, hash, expiresAt)
	cancel()
	if err != nil {
		return storeError(err, "storing reset token")
	}

	if err := s.sendResetMail(ctx, user, raw); err != nil {
		// Without delivery the token is useless; drop it.
		sctx, cancel := s.storeCtx(ctx)
		if clearErr := s.repo.ClearResetToken(sctx, user.ID); clearErr != nil {
			slog.Error("failed to clear undelivered reset token",
				slog.String("user_id", user.ID),
				slog.Any("error", clearErr),
			)
		}
		cancel()
		return apperror.NewInternal(fmt.Errorf("sending reset mail: %w", err))
	}

	slog.Info("password reset requested",
		slog.String("user_id", user.ID),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

// sendResetMail renders and sends the recovery message.
func (s *authService) sendResetMail(ctx context.Context, user *User, rawToken string) error {
	link := s.baseURL + "/api/users/reset-password/" + url.PathEscape(rawToken)
	body, err := renderResetEmail(ctx, user.Name, link, int(s.cfg.ResetTokenTTL.Minutes()))
	if err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, mailTimeout)
	defer cancel()
	return s.mail.SendMail(mctx, []string{user.Email}, resetEmailSubject, body)
}

// ResetPassword redeems a raw reset token. A token works at most once and
// only before its expiry.
func (s *authService) ResetPassword(ctx context.Context, rawToken string, input ResetPasswordInput) error {
	if err := validateInput(input); err != nil {
		return err
	}
	if rawToken == "" {
		return apperror.NewBadRequest("Invalid or expired token")
	}

	tokenHash := hashResetToken(rawToken)
	now := s.now().UTC()

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.repo.FindByResetToken(sctx, tokenHash, now)
	cancel()
	if apperror.Is(err, 404) {
		return apperror.NewBadRequest("Invalid or expired token")
	}
	if err != nil {
		return storeError(err, "finding reset token")
	}

	hash, err := s.hashPassword(input.Password, "password")
	if err != nil {
		return err
	}

	// The update is conditional on the same token hash, so a concurrent
	// redemption or a newer ForgotPassword makes this one lose.
	sctx, cancel = s.storeCtx(ctx)
	ok, err := s.repo.CompleteReset(sctx, user.ID, tokenHash, hash, now)
	cancel()
	if err != nil {
		return storeError(err, "completing reset")
	}
	if !ok {
		return apperror.NewBadRequest("Invalid or expired token")
	}

	slog.Info("password reset completed", slog.String("user_id", user.ID))
	s.record(ctx, user.ID, ActionPasswordReset, user.ID, nil)
	return nil
}

// UpdateProfile applies a partial name/email update.
func (s *authService) UpdateProfile(ctx context.Context, actorID, userID string, input UpdateProfileInput) (*User, error) {
	if input.Name != nil {
		name := sanitize.Name(*input.Name)
		input.Name = &name
	}
	if input.Email != nil {
		email := strings.TrimSpace(*input.Email)
		input.Email = &email
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	name, email := user.Name, user.Email
	if input.Name != nil && *input.Name != user.Name {
		name = *input.Name
		changes["name"] = name
	}
	if input.Email != nil && *input.Email != user.Email {
		exists, err := s.emailExists(ctx, *input.Email)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, apperror.NewConflict("Email already exists")
		}
		email = *input.Email
		changes["email"] = email
	}

	if len(changes) > 0 {
		sctx, cancel := s.storeCtx(ctx)
		err = s.repo.UpdateProfile(sctx, user.ID, name, email)
		cancel()
		if err != nil {
			return nil, storeError(err, "updating profile")
		}
		s.cache.Invalidate(ctx, user.ID)

		user.Name, user.Email = name, email
		user.UpdatedAt = s.now().UTC()
		slog.Info("profile updated",
			slog.String("user_id", user.ID),
			slog.String("actor_id", actorID),
		)
		s.record(ctx, actorID, ActionProfileUpdated, user.ID, changes)
	}

	updated := stripSecrets(user)
	updated.Role = updated.Role.OrDefault()
	return updated, nil
}

// DeleteAccount removes the user. Tokens already issued for the account
// stop resolving immediately. The last admin cannot be deleted.
func (s *authService) DeleteAccount(ctx context.Context, actorID, userID string) error {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.keepOneAdmin(ctx, user.Role); err != nil {
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.repo.Delete(sctx, userID)
	cancel()
	if apperror.Is(err, 404) {
		return apperror.NewNotFound("User not found")
	}
	if err != nil {
		return storeError(err, "deleting user")
	}
	s.cache.Invalidate(ctx, userID)

	slog.Info("user deleted",
		slog.String("user_id", userID),
		slog.String("actor_id", actorID),
	)
	s.record(ctx, actorID, ActionDeleted, userID, nil)
	return nil
}

// ChangeRole sets the role of another account. The last admin cannot be
// demoted, so the system always keeps someone able to grant roles.
func (s *authService) ChangeRole(ctx context.Context, actorID string, input ChangeRoleInput) (*User, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	if err := validateInput(input); err != nil {
		return nil, err
	}
	newRole, ok := ParseRole(input.NewRole)
	if !ok {
		return nil, apperror.NewBadRequest("Invalid role")
	}

	user, err := s.findByID(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	oldRole := user.Role

	if newRole != RoleAdmin {
		if err := s.keepOneAdmin(ctx, oldRole); err != nil {
			return nil, err
		}
	}

	if oldRole != newRole {
		sctx, cancel := s.storeCtx(ctx)
		err = s.repo.UpdateRole(sctx, user.ID, newRole)
		cancel()
		if err != nil {
			return nil, storeError(err, "updating role")
		}
		s.cache.Invalidate(ctx, user.ID)

		slog.Info("role changed",
			slog.String("user_id", user.ID),
			slog.String("actor_id", actorID),
			slog.String("from", string(oldRole)),
			slog.String("to", string(newRole)),
		)
		s.record(ctx, actorID, ActionRoleChanged, user.ID, map[string]any{
			"from": oldRole,
			"to":   newRole,
		})
	}

	user.Role = newRole
	return stripSecrets(user), nil
}

// RoleCounts returns the number of accounts per role.
func (s *authService) RoleCounts(ctx context.Context) (map[Role]int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	counts, err := s.repo.CountByRole(sctx)
	if err != nil {
		return nil, storeError(err, "counting roles")
	}
	return counts, nil
}

// --- Helpers ---

// keepOneAdmin refuses to take away an account holding role when it is the
// only admin left.
func (s *authService) keepOneAdmin(ctx context.Context, role Role) error {
	if role != RoleAdmin {
		return nil
	}
	counts, err := s.RoleCounts(ctx)
	if err != nil {
		return err
	}
	if counts[RoleAdmin] <= 1 {
		return apperror.NewBadRequest("Cannot remove the last admin")
	}
	return nil
}

// storeCtx derives the context for one repository call.
func (s *authService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// findByID loads the full user row, mapping a missing row to NotFound.
func (s *authService) findByID(ctx context.Context, id string) (*User, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	user, err := s.repo.FindByID(sctx, id)
	if apperror.Is(err, 404) {
		return nil, apperror.NewNotFound("User not found")
	}
	if err != nil {
		return nil, storeError(err, "finding user")
	}
	return user, nil
}

func (s *authService) emailExists(ctx context.Context, email string) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	exists, err := s.repo.EmailExists(sctx, email)
	if err != nil {
		return false, storeError(err, "checking email")
	}
	return exists, nil
}

func (s *authService) countUsers(ctx context.Context) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	count, err := s.repo.CountUsers(sctx)
	if err != nil {
		return 0, storeError(err, "counting users")
	}
	return count, nil
}

// hashPassword hashes plaintext, reporting bcrypt's length limit as a
// validation error on field.
func (s *authService) hashPassword(plaintext, field string) (string, error) {
	hash, err := s.hasher.Hash(plaintext)
	if errors.Is(err, ErrPasswordTooLong) {
		return "", apperror.NewValidation([]apperror.FieldError{{
			Field:   field,
			Message: "Password must be at most 72 bytes",
		}})
	}
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}
	return hash, nil
}

// record forwards an event to the audit recorder when one is attached.
func (s *authService) record(ctx context.Context, actorID, action, subjectID string, details map[string]any) {
	if s.audit != nil {
		s.audit.Record(ctx, actorID, action, subjectID, details)
	}
}

// storeError passes domain errors through and hides everything else behind
// a generic 500.
func storeError(err error, op string) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperror.NewInternal(fmt.Errorf("%s: %w", op, err))
}

// stripSecrets returns a copy of u without the password hash or reset fields.
func stripSecrets(u *User) *User {
	return &User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
