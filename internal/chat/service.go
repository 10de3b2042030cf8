// Package chat owns the session and message lifecycle: one active session
// per user, ordered messages, and the question-answering flow that turns a
// user message into a cited assistant reply.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
	"github.com/zulandar/citeline/internal/retrieval"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Errors returned by the Service. Match them with errors.Is.
var (
	ErrSessionNotFound  = errors.New("chat: session not found")
	ErrSessionArchived  = errors.New("chat: session is archived")
	ErrInvalidInput     = errors.New("chat: invalid input")
	ErrProcessingFailed = errors.New("chat: message processing failed")
)

// Owner identifies the caller. Both fields come from the trusted identity
// layer and are required.
type Owner struct {
	UserID         string
	OrganizationID string
}

func (o Owner) validate() error {
	if o.UserID == "" || o.OrganizationID == "" {
		return fmt.Errorf("%w: user and organization are required", ErrInvalidInput)
	}
	return nil
}

// RateChecker admits or rejects one message send.
type RateChecker interface {
	Check(ctx context.Context, userID, orgID string) error
}

// Retriever finds excerpts for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query, orgID string, opts retrieval.Options) (*retrieval.Result, error)
}

// Generator answers a question from excerpts.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
}

// Service defaults.
const (
	DefaultHistoryMessages = 5
	DefaultRetrieveTimeout = 30 * time.Second
	DefaultGenerateTimeout = 2 * time.Minute
)

// Service implements the chat operations on a gorm database.
type Service struct {
	db              *gorm.DB
	limiter         RateChecker
	retriever       Retriever
	generator       Generator
	metrics         *metrics.Metrics
	historyMessages int
	retrieveTimeout time.Duration
	generateTimeout time.Duration
	now             func() time.Time
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB              *gorm.DB
	Limiter         RateChecker
	Retriever       Retriever
	Generator       Generator
	Metrics         *metrics.Metrics
	HistoryMessages int           // defaults to DefaultHistoryMessages
	RetrieveTimeout time.Duration // defaults to DefaultRetrieveTimeout
	GenerateTimeout time.Duration // defaults to DefaultGenerateTimeout
	Now             func() time.Time
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("chat: db is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("chat: limiter is required")
	}
	if opts.Retriever == nil {
		return nil, fmt.Errorf("chat: retriever is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("chat: generator is required")
	}
	s := &Service{
		db:              opts.DB,
		limiter:         opts.Limiter,
		retriever:       opts.Retriever,
		generator:       opts.Generator,
		metrics:         opts.Metrics,
		historyMessages: opts.HistoryMessages,
		retrieveTimeout: opts.RetrieveTimeout,
		generateTimeout: opts.GenerateTimeout,
		now:             opts.Now,
	}
	if s.historyMessages <= 0 {
		s.historyMessages = DefaultHistoryMessages
	}
	if s.retrieveTimeout <= 0 {
		s.retrieveTimeout = DefaultRetrieveTimeout
	}
	if s.generateTimeout <= 0 {
		s.generateTimeout = DefaultGenerateTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// SessionOpts holds optional parameters for a new session.
type SessionOpts struct {
	Title        string
	ResponseMode string // defaults to balanced
	ModelName    string
	Settings     map[string]any
}

// GetOrCreateActiveSession returns the owner's active session, creating
// one if there is none. Repeated calls return the same session.
func (s *Service) GetOrCreateActiveSession(ctx context.Context, owner Owner) (*models.Session, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if sess, err := s.activeSession(ctx, owner); err != nil || sess != nil {
		return sess, err
	}

	sess, err := s.createSession(ctx, owner, SessionOpts{}, false)
	if err == nil {
		return sess, nil
	}
	// A concurrent caller may have won the unique active slot.
	if existing, rerr := s.activeSession(ctx, owner); rerr == nil && existing != nil {
		return existing, nil
	}
	return nil, fmt.Errorf("chat: get or create active session: %w", err)
}

// CreateSession starts a new active session, deactivating the previous one
// in the same transaction.
func (s *Service) CreateSession(ctx context.Context, owner Owner, opts SessionOpts) (*models.Session, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	sess, err := s.createSession(ctx, owner, opts, true)
	if err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}
	return sess, nil
}

// createSession inserts an active session. With replace unset it fails on
// the unique active slot when the owner already has an active session in
// the same organization.
func (s *Service) createSession(ctx context.Context, owner Owner, opts SessionOpts, replace bool) (*models.Session, error) {
	mode, err := generation.ParseMode(opts.ResponseMode)
	if err != nil {
		return nil, err
	}
	var settings datatypes.JSON
	if len(opts.Settings) > 0 {
		raw, err := json.Marshal(opts.Settings)
		if err != nil {
			return nil, fmt.Errorf("%w: settings: %v", ErrInvalidInput, err)
		}
		settings = datatypes.JSON(raw)
	}

	now := s.clock()
	activeOwner := owner.UserID
	sess := &models.Session{
		ID:             uuid.NewString(),
		UserID:         owner.UserID,
		OrganizationID: owner.OrganizationID,
		Title:          strings.TrimSpace(opts.Title),
		IsActive:       true,
		ActiveOwner:    &activeOwner,
		ResponseMode:   mode,
		ModelName:      opts.ModelName,
		Settings:       settings,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous := tx.Model(&models.Session{}).Where("active_owner = ?", owner.UserID)
		if !replace {
			// Only a session left active in another organization is replaced.
			previous = previous.Where("organization_id <> ?", owner.OrganizationID)
		}
		if err := previous.Updates(map[string]interface{}{
			"is_active":    false,
			"active_owner": nil,
			"updated_at":   now,
		}).Error; err != nil {
			return fmt.Errorf("deactivate previous: %w", err)
		}
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.LoggerFromContext(ctx).Info("session created",
		"session_id", sess.ID, "user_id", owner.UserID, "organization_id", owner.OrganizationID)
	return sess, nil
}

// activeSession returns the owner's active session or nil.
func (s *Service) activeSession(ctx context.Context, owner Owner) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("active_owner = ? AND organization_id = ?", owner.UserID, owner.OrganizationID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: active session: %w", err)
	}
	return &sess, nil
}

// GetSession returns one of the owner's sessions.
func (s *Service) GetSession(ctx context.Context, owner Owner, sessionID string) (*models.Session, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	return s.ownedSession(s.db.WithContext(ctx), owner, sessionID)
}

func (s *Service) ownedSession(tx *gorm.DB, owner Owner, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := tx.Where("id = ? AND user_id = ? AND organization_id = ?",
		sessionID, owner.UserID, owner.OrganizationID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// ListSessions returns the owner's sessions, most recent activity first.
func (s *Service) ListSessions(ctx context.Context, owner Owner, includeArchived bool) ([]models.Session, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND organization_id = ?", owner.UserID, owner.OrganizationID)
	if !includeArchived {
		q = q.Where("archived = ?", false)
	}
	var sessions []models.Session
	if err := q.Order("last_activity_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("chat: list sessions: %w", err)
	}
	return sessions, nil
}

// ListMessages returns a session's messages in order, each with its sources.
func (s *Service) ListMessages(ctx context.Context, owner Owner, sessionID string) ([]models.Message, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.ownedSession(db, owner, sessionID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	err := db.Where("session_id = ?", sessionID).
		Preload("Sources", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Order("sequence ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list messages %s: %w", sessionID, err)
	}
	return msgs, nil
}

// ArchiveSession archives and deactivates a session. Archived sessions
// stay readable but accept no new messages.
func (s *Service) ArchiveSession(ctx context.Context, owner Owner, sessionID string) error {
	if err := owner.validate(); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND user_id = ? AND organization_id = ?", sessionID, owner.UserID, owner.OrganizationID).
		Updates(map[string]interface{}{
			"archived":     true,
			"is_active":    false,
			"active_owner": nil,
			"updated_at":   s.clock(),
		})
	if result.Error != nil {
		return fmt.Errorf("chat: archive session %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// DeleteSession removes a session with all its messages and sources in one
// transaction.
func (s *Service) DeleteSession(ctx context.Context, owner Owner, sessionID string) error {
	if err := owner.validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedSession(tx, owner, sessionID); err != nil {
			return err
		}
		msgIDs := tx.Model(&models.Message{}).Select("id").Where("session_id = ?", sessionID)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.Source{}).Error; err != nil {
			return fmt.Errorf("delete sources: %w", err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("id = ?", sessionID).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("chat: delete session %s: %w", sessionID, err)
	}
	observability.LoggerFromContext(ctx).Info("session deleted", "session_id", sessionID)
	return nil
}
