package app

import (
	"context"
	"sync"
	"time"

	"github.com/keyxmakerx/coursehub/internal/apperror"
	"github.com/keyxmakerx/coursehub/internal/plugins/audit"
	"github.com/keyxmakerx/coursehub/internal/plugins/auth"
	"github.com/keyxmakerx/coursehub/internal/plugins/smtp"
)

// memoryUserRepo is an in-memory auth.UserRepository with the same
// not-found, conflict and reset guard semantics as the MariaDB one.
type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*auth.User
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*auth.User)}
}

func (r *memoryUserRepo) emailTaken(email, exceptID string) bool {
	for _, u := range r.users {
		if u.Email == email && u.ID != exceptID {
			return true
		}
	}
	return false
}

func (r *memoryUserRepo) get(id string) (*auth.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, apperror.NewNotFound("User not found")
	}
	return u, nil
}

func (r *memoryUserRepo) Create(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emailTaken(user.Email, "") {
		return apperror.NewConflict("Email already exists")
	}
	u := *user
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	r.users[u.ID] = &u
	return nil
}

func (r *memoryUserRepo) FindByID(_ context.Context, id string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NewNotFound("User not found")
}

func (r *memoryUserRepo) EmailExists(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emailTaken(email, ""), nil
}

func (r *memoryUserRepo) CountUsers(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), nil
}

func (r *memoryUserRepo) CountByRole(context.Context) (map[auth.Role]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[auth.Role]int)
	for _, role := range auth.AllRoles() {
		counts[role] = 0
	}
	for _, u := range r.users {
		counts[u.Role]++
	}
	return counts, nil
}

func (r *memoryUserRepo) UpdateProfile(_ context.Context, id, name, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	if r.emailTaken(email, id) {
		return apperror.NewConflict("Email already exists")
	}
	u.Name, u.Email = name, email
	return nil
}

func (r *memoryUserRepo) UpdatePassword(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.PasswordHash = passwordHash
	return nil
}

func (r *memoryUserRepo) UpdateRole(_ context.Context, id string, role auth.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.Role = role
	return nil
}

func (r *memoryUserRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.get(id); err != nil {
		return err
	}
	delete(r.users, id)
	return nil
}

func (r *memoryUserRepo) SetResetToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.ResetTokenHash, u.ResetExpiresAt = &tokenHash, &expiresAt
	return nil
}

func (r *memoryUserRepo) ClearResetToken(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.ResetTokenHash, u.ResetExpiresAt = nil, nil
	return nil
}

func (r *memoryUserRepo) pendingReset(u *auth.User, tokenHash string, now time.Time) bool {
	return u.ResetTokenHash != nil && *u.ResetTokenHash == tokenHash &&
		u.ResetExpiresAt != nil && u.ResetExpiresAt.After(now)
}

func (r *memoryUserRepo) FindByResetToken(_ context.Context, tokenHash string, now time.Time) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if r.pendingReset(u, tokenHash, now) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NewNotFound("User not found")
}

func (r *memoryUserRepo) CompleteReset(_ context.Context, id, tokenHash, passwordHash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || !r.pendingReset(u, tokenHash, now) {
		return false, nil
	}
	u.PasswordHash = passwordHash
	u.ResetTokenHash, u.ResetExpiresAt = nil, nil
	return true, nil
}

// memoryAuditRepo keeps entries in insertion order.
type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []audit.AuditEntry
}

func (r *memoryAuditRepo) Log(_ context.Context, entry *audit.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = int64(len(r.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *memoryAuditRepo) List(_ context.Context, limit, offset int) ([]audit.AuditEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.AuditEntry
	for i := len(r.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, len(r.entries), nil
}

func (r *memoryAuditRepo) ListBySubject(_ context.Context, subjectID string, limit int) ([]audit.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].SubjectID == subjectID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

// sentMail is one captured message.
type sentMail struct {
	To      []string
	Subject string
	Body    string
}

// recordingMailer captures outgoing mail instead of sending it.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) SendMail(_ context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *recordingMailer) Settings() smtp.Settings { return smtp.Settings{} }

func (m *recordingMailer) TestConnection(context.Context) error { return nil }

func (m *recordingMailer) last() (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}, false
	}
	return m.sent[len(m.sent)-1], true
}
