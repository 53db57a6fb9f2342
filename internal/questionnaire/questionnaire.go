// Package questionnaire loads and caches the question list from the system
// of record.
//
// The questionnaire is normalized and validated at load time and cached as
// one cohesive document with a TTL, so respondents do not trigger a refetch
// per survey. A failed or empty load is always an error, never a silently
// empty questionnaire.
package questionnaire

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
)

// QuestionsSheet is the worksheet holding question definitions.
const QuestionsSheet = "Questions"

// DefaultCacheTTL bounds how long a cached questionnaire is served.
const DefaultCacheTTL = time.Hour

// Expected header columns of the Questions worksheet.
const (
	colQuestionID   = "question_id"
	colText         = "text"
	colType         = "type"
	colOptions      = "options"
	colRequired     = "required"
	colResultColumn = "result_column"
)

// Service loads, normalizes and caches the questionnaire.
type Service struct {
	source   sheets.Service
	kv       store.Store
	cacheTTL time.Duration
}

// Option configures the questionnaire service.
type Option func(*Service)

// WithCacheTTL overrides the questionnaire cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.cacheTTL = ttl }
}

// NewService creates a questionnaire service.
func NewService(source sheets.Service, kv store.Store, opts ...Option) *Service {
	svc := &Service{source: source, kv: kv, cacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Get returns the questionnaire, from cache when fresh, otherwise reloaded
// from the system of record.
func (s *Service) Get(ctx context.Context) (*models.Questionnaire, error) {
	var cached models.Questionnaire
	found, err := store.GetJSON(ctx, s.kv, store.QuestionnaireCacheKey, &cached)
	if err != nil {
		slog.Warn("Questionnaire cache read failed, falling back to source", "error", err)
	} else if found {
		if err := cached.Validate(); err == nil {
			slog.Debug("Questionnaire served from cache", "questions", len(cached.Questions))
			return &cached, nil
		}
		slog.Warn("Questionnaire cache entry invalid, reloading")
	}
	return s.reload(ctx)
}

// Invalidate drops the cached questionnaire so the next Get reloads it.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.kv.Delete(ctx, store.QuestionnaireCacheKey)
}

func (s *Service) reload(ctx context.Context) (*models.Questionnaire, error) {
	slog.Debug("Questionnaire reload from source")
	records, err := s.source.ListRecords(ctx, QuestionsSheet)
	if err != nil {
		slog.Error("Questionnaire reload failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrQuestionnaireUnavailable, err)
	}

	qn := models.Questionnaire{Questions: make([]models.Question, 0, len(records))}
	for _, rec := range records {
		qtype, err := normalizeType(rec[colType])
		if err != nil {
			slog.Error("Questionnaire rejecting record", "error", err, "question", rec[colQuestionID])
			return nil, fmt.Errorf("%w: %v", models.ErrQuestionnaireUnavailable, err)
		}
		qn.Questions = append(qn.Questions, models.Question{
			ID:           strings.TrimSpace(rec[colQuestionID]),
			Text:         strings.TrimSpace(rec[colText]),
			Type:         qtype,
			Options:      parseOptions(rec[colOptions]),
			Required:     parseRequired(rec[colRequired]),
			ResultColumn: strings.TrimSpace(rec[colResultColumn]),
		})
	}
	if err := qn.Validate(); err != nil {
		slog.Error("Questionnaire validation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrQuestionnaireUnavailable, err)
	}

	if err := store.SetJSON(ctx, s.kv, store.QuestionnaireCacheKey, &qn, s.cacheTTL); err != nil {
		// Cache write failures are not fatal; the load itself succeeded.
		slog.Warn("Questionnaire cache write failed", "error", err)
	}
	slog.Info("Questionnaire loaded", "questions", len(qn.Questions))
	return &qn, nil
}

// normalizeType maps source type strings onto the closed question type enum.
// The source historically uses variants like "scale 0-3" and "textarea".
func normalizeType(raw string) (models.QuestionType, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(t, "scale"):
		return models.QuestionTypeScale, nil
	case t == "radio":
		return models.QuestionTypeRadio, nil
	case t == "checkbox":
		return models.QuestionTypeCheckbox, nil
	case t == "text" || t == "textarea" || t == "longtext" || t == "long-text":
		return models.QuestionTypeText, nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrInvalidQuestionType, raw)
	}
}

// parseOptions splits an option cell on ";" (preferred) or "," and trims
// whitespace; empty fragments are dropped.
func parseOptions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	sep := ","
	if strings.Contains(raw, ";") {
		sep = ";"
	}
	var options []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			options = append(options, part)
		}
	}
	return options
}

// parseRequired interprets truthy markers of the source sheet, including the
// localized "да" variants the original data uses.
func parseRequired(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"yes", "true", "да", "1"} {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}
