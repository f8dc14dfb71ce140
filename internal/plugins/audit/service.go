package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// perPage is the number of audit entries returned per page. maxPage keeps
// the OFFSET well inside int range.
const (
	perPage = 50
	maxPage = 100000
)

// maxSubjectHistoryEntries caps the history returned for a single account.
const maxSubjectHistoryEntries = 100

// recordTimeout bounds the write behind Record, which runs after the
// request's own work is done.
const recordTimeout = 5 * time.Second

// AuditService handles business logic for the audit log. It validates inputs,
// enforces limits, and delegates persistence to the repository.
type AuditService interface {
	// Log records an audit entry and reports failures.
	Log(ctx context.Context, entry *AuditEntry) error

	// Record is the fire-and-forget form of Log used by the auth plugin.
	// Failures are logged, never returned.
	Record(ctx context.Context, actorID, action, subjectID string, details map[string]any)

	// List returns one page of the feed. Pages are 1-indexed.
	List(ctx context.Context, page int) (*Page, error)

	// SubjectHistory returns the recent events about one account.
	SubjectHistory(ctx context.Context, subjectID string) ([]AuditEntry, error)
}

// auditService implements AuditService.
type auditService struct {
	repo AuditRepository
}

// NewAuditService creates a new audit service with the given repository.
func NewAuditService(repo AuditRepository) AuditService {
	return &auditService{repo: repo}
}

// Log validates and persists an audit entry.
func (s *auditService) Log(ctx context.Context, entry *AuditEntry) error {
	if entry.ActorID == "" {
		return apperror.NewBadRequest("actor ID is required for audit entry")
	}
	if entry.SubjectID == "" {
		return apperror.NewBadRequest("subject ID is required for audit entry")
	}
	if entry.Action == "" {
		return apperror.NewBadRequest("action is required for audit entry")
	}

	if err := s.repo.Log(ctx, entry); err != nil {
		slog.Error("failed to write audit log entry",
			slog.String("subject_id", entry.SubjectID),
			slog.String("action", entry.Action),
			slog.Any("error", err),
		)
		return apperror.NewInternal(fmt.Errorf("writing audit entry: %w", err))
	}

	return nil
}

// Record writes the entry on a context detached from the request, so a
// client hanging up right after a successful mutation does not lose the
// record.
func (s *auditService) Record(ctx context.Context, actorID, action, subjectID string, details map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	// Log already reports repository failures.
	_ = s.Log(ctx, &AuditEntry{
		ActorID:   actorID,
		SubjectID: subjectID,
		Action:    action,
		Details:   details,
	})
}

// List returns the paginated feed. Page numbers are clamped to [1, maxPage].
func (s *auditService) List(ctx context.Context, page int) (*Page, error) {
	page = min(max(page, 1), maxPage)

	offset := (page - 1) * perPage
	entries, total, err := s.repo.List(ctx, perPage, offset)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing audit entries: %w", err))
	}

	return &Page{Entries: entries, Total: total, Page: page, PerPage: perPage}, nil
}

// SubjectHistory returns the recent events about subjectID.
func (s *auditService) SubjectHistory(ctx context.Context, subjectID string) ([]AuditEntry, error) {
	if subjectID == "" {
		return nil, apperror.NewBadRequest("user ID is required")
	}

	entries, err := s.repo.ListBySubject(ctx, subjectID, maxSubjectHistoryEntries)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing subject history: %w", err))
	}

	return entries, nil
}
