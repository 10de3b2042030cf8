package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/citeline/internal/attribution"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
	"github.com/zulandar/citeline/internal/ratelimit"
	"github.com/zulandar/citeline/internal/retrieval"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TitleLength is the number of question characters kept in a derived title.
const TitleLength = 50

// Text shown in failed assistant messages. Diagnostics stay internal.
const (
	RateLimitedText = "You have reached the message limit. Please wait a while before asking another question."
	FailedText      = "Sorry, something went wrong while answering your question. Please try again."
)

// maxSequenceAttempts bounds retries when two sends race for the next
// sequence number of a session.
const maxSequenceAttempts = 3

// SendRequest is one question sent to a session.
type SendRequest struct {
	Question string
	Mode     string // overrides the session's response mode
	Model    string // overrides the session's model
}

// DeriveTitle builds a session title from the first question: its first
// TitleLength characters, with "..." appended when it was longer.
func DeriveTitle(question string) string {
	q := strings.Join(strings.Fields(question), " ")
	if utf8.RuneCountInString(q) <= TitleLength {
		return q
	}
	return string([]rune(q)[:TitleLength]) + "..."
}

// SendMessage records the question, answers it and returns the assistant
// message. The user message is always persisted. When the answer cannot be
// produced the assistant message is persisted as failed and returned with
// the error: a *ratelimit.ExceededError when a limit was hit, otherwise an
// error matching ErrProcessingFailed.
//
// Work after the user message is stored runs detached from ctx
// cancellation, so a client disconnect never leaves a message pending.
func (s *Service) SendMessage(ctx context.Context, owner Owner, sessionID string, req SendRequest) (*models.Message, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}

	sess, err := s.GetSession(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Archived {
		return nil, fmt.Errorf("%w: %s", ErrSessionArchived, sessionID)
	}
	mode := req.Mode
	if mode == "" {
		mode = sess.ResponseMode
	}
	if mode, err = generation.ParseMode(mode); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = sess.ModelName
	}

	ctx = context.WithoutCancel(ctx)
	log := observability.LoggerFromContext(ctx).With("session_id", sessionID, "user_id", owner.UserID)

	now := s.clock()
	if _, err := s.appendMessage(ctx, &models.Message{
		SessionID:   sessionID,
		Role:        models.RoleUser,
		Content:     question,
		Status:      models.StatusCompleted,
		CompletedAt: &now,
	}); err != nil {
		return nil, fmt.Errorf("chat: send message: %w", err)
	}
	s.setTitleOnce(ctx, sessionID, question)
	defer s.touch(ctx, sessionID)

	if err := s.limiter.Check(ctx, owner.UserID, owner.OrganizationID); err != nil {
		if ee, ok := ratelimit.IsExceeded(err); ok {
			msg, ferr := s.appendFailed(ctx, sessionID, RateLimitedText, ee.Error())
			if ferr != nil {
				return nil, fmt.Errorf("chat: send message: %w", ferr)
			}
			return msg, fmt.Errorf("chat: send message: %w", err)
		}
		log.Error("rate limit check failed", "error", err)
		msg, ferr := s.appendFailed(ctx, sessionID, FailedText, err.Error())
		if ferr != nil {
			return nil, fmt.Errorf("chat: send message: %w", ferr)
		}
		return msg, fmt.Errorf("%w: rate limit check: %v", ErrProcessingFailed, err)
	}

	history, err := s.history(ctx, sessionID)
	if err != nil {
		log.Warn("load history failed, answering without it", "error", err)
	}

	assistant, err := s.appendMessage(ctx, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: send message: %w", err)
	}
	log = log.With("message_id", assistant.ID)

	msg, err := s.answer(ctx, owner, assistant, question, mode, model, history)
	if err != nil {
		log.Error("answer failed", "error", err)
		failed, ferr := s.markFailed(ctx, assistant, FailedText, err.Error())
		if ferr != nil {
			return nil, fmt.Errorf("chat: send message: %w", ferr)
		}
		return failed, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	return msg, nil
}

// answer runs retrieval, generation and attribution for a pending
// assistant message and completes it.
func (s *Service) answer(ctx context.Context, owner Owner, msg *models.Message, question, mode, model string, history []generation.Turn) (*models.Message, error) {
	log := observability.LoggerFromContext(ctx).With("message_id", msg.ID)

	rctx, cancel := context.WithTimeout(ctx, s.retrieveTimeout)
	retrieved, err := s.retriever.Retrieve(rctx, question, owner.OrganizationID, retrieval.Options{})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	gctx, cancel := context.WithTimeout(ctx, s.generateTimeout)
	generated, err := s.generator.Generate(gctx, generation.Request{
		Question: question,
		Chunks:   retrieved.Chunks,
		Mode:     mode,
		Model:    model,
		History:  history,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	annotated := attribution.Reconcile(retrieved.Chunks, generated.SourcesUsed, generated.Fallback)
	sources := attribution.ToSources(msg.ID, annotated)

	meta, err := json.Marshal(map[string]any{
		"generation_path": generated.Path,
		"fallback":        generated.Fallback,
		"response_mode":   mode,
		"sources_used":    attribution.UsedCount(annotated),
		"retrieval":       retrieved.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := s.clock()
	temp := generated.Usage.Temperature
	updates := map[string]interface{}{
		"content":           generated.Text,
		"status":            models.StatusCompleted,
		"prompt_tokens":     generated.Usage.PromptTokens,
		"completion_tokens": generated.Usage.CompletionTokens,
		"total_tokens":      generated.Usage.TotalTokens,
		"latency_ms":        int(generated.Usage.LatencyMs),
		"model_used":        generated.Usage.Model,
		"temperature":       temp,
		"metadata":          datatypes.JSON(meta),
		"completed_at":      now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ? AND status = ?", msg.ID, models.StatusPending).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("complete message: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("complete message: %s is no longer pending", msg.ID)
		}
		if len(sources) > 0 {
			if err := tx.Create(&sources).Error; err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg.Content = generated.Text
	msg.Status = models.StatusCompleted
	msg.PromptTokens = generated.Usage.PromptTokens
	msg.CompletionTokens = generated.Usage.CompletionTokens
	msg.TotalTokens = generated.Usage.TotalTokens
	msg.LatencyMs = int(generated.Usage.LatencyMs)
	msg.ModelUsed = generated.Usage.Model
	msg.Temperature = &temp
	msg.Metadata = datatypes.JSON(meta)
	msg.CompletedAt = &now
	msg.Sources = sources

	s.metrics.Message(models.StatusCompleted)
	log.Info("message answered",
		"path", generated.Path,
		"chunks", len(retrieved.Chunks),
		"sources_used", attribution.UsedCount(annotated),
		"total_tokens", generated.Usage.TotalTokens,
	)
	return msg, nil
}

// appendMessage inserts msg with the next sequence number of its session.
func (s *Service) appendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock()
	}
	var err error
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSeq int
			if err := tx.Model(&models.Message{}).
				Where("session_id = ?", msg.SessionID).
				Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			msg.Sequence = maxSeq + 1
			return tx.Create(msg).Error
		})
		if err == nil {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("append %s message: %w", msg.Role, err)
}

// appendFailed inserts an assistant message that failed before processing
// started.
func (s *Service) appendFailed(ctx context.Context, sessionID, text, diagnostic string) (*models.Message, error) {
	now := s.clock()
	msg, err := s.appendMessage(ctx, &models.Message{
		SessionID:   sessionID,
		Role:        models.RoleAssistant,
		Content:     text,
		Status:      models.StatusFailed,
		Diagnostic:  diagnostic,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Message(models.StatusFailed)
	return msg, nil
}

// markFailed moves a pending message to failed.
func (s *Service) markFailed(ctx context.Context, msg *models.Message, text, diagnostic string) (*models.Message, error) {
	now := s.clock()
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", msg.ID, models.StatusPending).
		Updates(map[string]interface{}{
			"content":      text,
			"status":       models.StatusFailed,
			"diagnostic":   diagnostic,
			"completed_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("mark %s failed: %w", msg.ID, err)
	}
	msg.Content = text
	msg.Status = models.StatusFailed
	msg.Diagnostic = diagnostic
	msg.CompletedAt = &now
	s.metrics.Message(models.StatusFailed)
	return msg, nil
}

// setTitleOnce derives the session title from question unless the session
// already has one.
func (s *Service) setTitleOnce(ctx context.Context, sessionID, question string) {
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND (title = '' OR title IS NULL)", sessionID).
		Update("title", DeriveTitle(question)).Error
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("set session title failed", "session_id", sessionID, "error", err)
	}
}

// touch bumps the session's last activity.
func (s *Service) touch(ctx context.Context, sessionID string) {
	now := s.clock()
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{"last_activity_at": now, "updated_at": now}).Error
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("touch session failed", "session_id", sessionID, "error", err)
	}
}

// history returns the turns before the newest user message, oldest first,
// at most historyMessages of them. A question is only included together
// with its completed answer, so rejected or failed questions never reach
// the model.
func (s *Service) history(ctx context.Context, sessionID string) ([]generation.Turn, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence DESC").
		Limit(4*s.historyMessages + 1).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	// msgs[0] is the question being answered.
	msgs = msgs[1:]

	// Newest first: each answer is followed by the question it answered.
	var newest []generation.Turn
	for i := 0; i+1 < len(msgs) && len(newest) < s.historyMessages; i++ {
		answer, question := msgs[i], msgs[i+1]
		if answer.Role != models.RoleAssistant || answer.Status != models.StatusCompleted ||
			question.Role != models.RoleUser {
			continue
		}
		newest = append(newest,
			generation.Turn{Role: answer.Role, Content: answer.Content},
			generation.Turn{Role: question.Role, Content: question.Content})
		i++
	}
	if len(newest) > s.historyMessages {
		newest = newest[:s.historyMessages]
	}

	turns := make([]generation.Turn, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		turns = append(turns, newest[i])
	}
	return turns, nil
}
