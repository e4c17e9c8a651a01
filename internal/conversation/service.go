// Package conversation implements the conversation catalog: per-user
// conversation records with a strict one-active-per-user hand-off enforced by
// a storage-level partial unique index plus retry-on-conflict.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchboardhq/switchboard/internal/db"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conflicting activations are retried this many times before surfacing.
const activationRetries = 3

// Service manages conversation lifecycle and metadata.
type Service struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	defaultModel string
	defaultSP    string
}

// NewService creates a conversation service. defaultModel and
// defaultSystemPrompt are applied to auto-created conversations.
func NewService(log *slog.Logger, pool *pgxpool.Pool, defaultModel, defaultSystemPrompt string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:         pool,
		logger:       log.With(slog.String("service", "conversation")),
		defaultModel: defaultModel,
		defaultSP:    defaultSystemPrompt,
	}
}

const (
	conversationColumns = `id, user_id, thread_id, title, model, system_prompt, is_active, created_at, updated_at`

	selectActiveSQL = `
SELECT ` + conversationColumns + `
FROM conversations WHERE user_id = $1 AND is_active`

	insertConversationSQL = `
INSERT INTO conversations (user_id, thread_id, model, system_prompt, is_active)
VALUES ($1, $2, $3, $4, true)
RETURNING ` + conversationColumns

	deactivateSQL = `
UPDATE conversations SET is_active = false, updated_at = now()
WHERE user_id = $1 AND is_active`

	activateSQL = `
UPDATE conversations SET is_active = true, updated_at = now()
WHERE id = $1
RETURNING ` + conversationColumns
)

// GetActive returns the user's active conversation, auto-creating one with a
// fresh thread id and the service defaults when none exists. Concurrent
// first-contact auto-creates collapse to a single winner through the partial
// unique index.
func (s *Service) GetActive(ctx context.Context, userID string) (Conversation, error) {
	pgUser, err := db.ParseUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}

	for attempt := 0; ; attempt++ {
		conv, err := s.scanOne(s.pool.QueryRow(ctx, selectActiveSQL, pgUser))
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, fmt.Errorf("get active conversation: %w", err)
		}

		threadID := uuid.NewString()
		conv, err = s.scanOne(s.pool.QueryRow(ctx, insertConversationSQL,
			pgUser, threadID, s.defaultModel, db.ToPgText(s.defaultSP)))
		if err == nil {
			s.logger.Info("conversation auto-created",
				slog.String("user_id", userID),
				slog.String("thread_id", threadID))
			return conv, nil
		}
		if db.IsUniqueViolation(err) && attempt < activationRetries {
			// Another channel won the auto-create race; re-read the winner.
			continue
		}
		return Conversation{}, fmt.Errorf("auto-create conversation: %w", err)
	}
}

// CreateNew deactivates the user's current active conversation (if any) and
// activates a new one with a freshly generated, never-reused thread id.
func (s *Service) CreateNew(ctx context.Context, userID, model, systemPrompt string) (Conversation, error) {
	pgUser, err := db.ParseUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = s.defaultModel
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = s.defaultSP
	}

	var conv Conversation
	err = s.withActivationRetry(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deactivateSQL, pgUser); err != nil {
			return fmt.Errorf("deactivate current: %w", err)
		}
		threadID := uuid.NewString()
		var scanErr error
		conv, scanErr = s.scanOne(tx.QueryRow(ctx, insertConversationSQL,
			pgUser, threadID, model, db.ToPgText(systemPrompt)))
		return scanErr
	})
	if err != nil {
		return Conversation{}, err
	}
	s.logger.Info("conversation created",
		slog.String("user_id", userID),
		slog.String("thread_id", conv.ThreadID))
	return conv, nil
}

// SwitchActive validates that ref names a conversation owned by userID and
// performs the activation hand-off. ref is a conversation id or a thread-id
// prefix. Returns ErrConversationNotFound when the reference does not resolve
// or belongs to another user.
func (s *Service) SwitchActive(ctx context.Context, userID, ref string) (Conversation, error) {
	pgUser, err := db.ParseUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Conversation{}, ErrConversationNotFound
	}

	target, err := s.findByRef(ctx, pgUser, ref)
	if err != nil {
		return Conversation{}, err
	}
	pgTarget, err := db.ParseUUID(target.ID)
	if err != nil {
		return Conversation{}, err
	}

	var conv Conversation
	err = s.withActivationRetry(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deactivateSQL, pgUser); err != nil {
			return fmt.Errorf("deactivate current: %w", err)
		}
		var scanErr error
		conv, scanErr = s.scanOne(tx.QueryRow(ctx, activateSQL, pgTarget))
		return scanErr
	})
	if err != nil {
		return Conversation{}, err
	}
	s.logger.Info("conversation switched",
		slog.String("user_id", userID),
		slog.String("thread_id", conv.ThreadID))
	return conv, nil
}

// UpdateModel changes the model selector of a conversation in place. The
// thread id and engine-held history are unaffected.
func (s *Service) UpdateModel(ctx context.Context, conversationID, model string) error {
	return s.updateField(ctx, conversationID,
		`UPDATE conversations SET model = $2, updated_at = now() WHERE id = $1`, model)
}

// UpdateSystemPrompt changes the system prompt override in place.
func (s *Service) UpdateSystemPrompt(ctx context.Context, conversationID, systemPrompt string) error {
	return s.updateField(ctx, conversationID,
		`UPDATE conversations SET system_prompt = $2, updated_at = now() WHERE id = $1`, db.ToPgText(systemPrompt))
}

// UpdateTitle changes the title in place.
func (s *Service) UpdateTitle(ctx context.Context, conversationID, title string) error {
	return s.updateField(ctx, conversationID,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, db.ToPgText(title))
}

// ListFor returns all conversations of a user, most recently updated first.
func (s *Service) ListFor(ctx context.Context, userID string) ([]Conversation, error) {
	pgUser, err := db.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+conversationColumns+`
FROM conversations WHERE user_id = $1
ORDER BY updated_at DESC`, pgUser)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	for rows.Next() {
		conv, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// withActivationRetry runs fn in a transaction, retrying when the partial
// unique index rejects a concurrent activation hand-off.
func (s *Service) withActivationRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= activationRetries; attempt++ {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin activation: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if db.IsUniqueViolation(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			if db.IsUniqueViolation(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit activation: %w", err)
		}
		return nil
	}
	return fmt.Errorf("activation conflict persisted: %w", lastErr)
}

func (s *Service) findByRef(ctx context.Context, pgUser pgtype.UUID, ref string) (Conversation, error) {
	if pgID, err := db.ParseUUID(ref); err == nil {
		conv, err := s.scanOne(s.pool.QueryRow(ctx, `
SELECT `+conversationColumns+`
FROM conversations WHERE id = $1 AND user_id = $2`, pgID, pgUser))
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return conv, err
	}

	conv, err := s.scanOne(s.pool.QueryRow(ctx, `
SELECT `+conversationColumns+`
FROM conversations WHERE user_id = $2 AND thread_id LIKE $1 || '%'
ORDER BY updated_at DESC LIMIT 1`, ref, pgUser))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (s *Service) updateField(ctx context.Context, conversationID, query string, value any) error {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return ErrConversationNotFound
	}
	tag, err := s.pool.Exec(ctx, query, pgID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanOne(row pgx.Row) (Conversation, error) {
	return s.scanRow(row)
}

func (s *Service) scanRow(row rowScanner) (Conversation, error) {
	var conv Conversation
	var id, userID pgtype.UUID
	var title, systemPrompt pgtype.Text
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&id, &userID, &conv.ThreadID, &title, &conv.Model, &systemPrompt,
		&conv.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	conv.ID = db.UUIDString(id)
	conv.UserID = db.UUIDString(userID)
	conv.Title = db.TextToString(title)
	conv.SystemPrompt = db.TextToString(systemPrompt)
	conv.CreatedAt = db.TimeFromPg(createdAt)
	conv.UpdatedAt = db.TimeFromPg(updatedAt)
	return conv, nil
}
