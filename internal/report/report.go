// Package report turns a closed feedback cycle's result sheet into a
// readable report: numeric aggregates are computed locally, free-text
// answers are condensed with an LLM.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/retry"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
)

// ErrNoAnswers indicates the result sheet holds no submitted rows.
var ErrNoAnswers = errors.New("no answers were submitted for this cycle")

// ErrNoChoicesReturned indicates the completion response carried no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

const systemPrompt = "You are an HR analyst. You receive anonymous 360-degree feedback " +
	"answers about one employee. Write a short, neutral summary of the main themes in " +
	"at most five sentences. Do not quote respondents verbatim and do not guess who " +
	"wrote what."

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Summarizer builds feedback reports from result sheets.
type Summarizer struct {
	chat   chatService
	source sheets.Service
	model  string
	apiKey string
	policy retry.Policy
}

// Option configures the summarizer.
type Option func(*Summarizer)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(s *Summarizer) { s.apiKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(s *Summarizer) { s.model = model }
}

// WithRetryPolicy overrides the completion retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Summarizer) { s.policy = p }
}

// NewSummarizer creates a summarizer reading results from the given source.
// The API key comes from OPENAI_API_KEY unless overridden.
func NewSummarizer(source sheets.Service, opts ...Option) (*Summarizer, error) {
	s := &Summarizer{
		source: source,
		model:  openai.ChatModelGPT4oMini,
		apiKey: os.Getenv("OPENAI_API_KEY"),
		policy: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	s.chat = openaiChatService{client: openai.NewClient(option.WithAPIKey(s.apiKey))}
	return s, nil
}

// Generate builds the report text for a cycle: completion stats, per-question
// scale averages, answer distributions and an LLM summary of free text.
func (s *Summarizer) Generate(ctx context.Context, cycle *models.FeedbackCycle, targetName string, qn *models.Questionnaire) (string, error) {
	slog.Debug("Report Generate", "cycle", cycle.ID, "sheet", cycle.SheetTitle)

	records, err := s.source.ListRecords(ctx, cycle.SheetTitle)
	if err != nil {
		return "", fmt.Errorf("read result sheet: %w", err)
	}
	if len(records) == 0 {
		return "", ErrNoAnswers
	}

	var b strings.Builder
	fmt.Fprintf(&b, "360° feedback report for %s\n", targetName)
	fmt.Fprintf(&b, "Responses: %d of %d invited\n\n", len(records), len(cycle.Respondents))

	var freeText []string
	for _, q := range qn.Questions {
		answers := collectAnswers(records, q.ColumnName())
		switch q.Type {
		case models.QuestionTypeScale:
			if avg, n, ok := scaleAverage(answers); ok {
				fmt.Fprintf(&b, "%s\nAverage: %.1f (from %d answers)\n\n", q.RenderText(targetName), avg, n)
			}
		case models.QuestionTypeRadio, models.QuestionTypeCheckbox:
			if dist := distribution(answers); dist != "" {
				fmt.Fprintf(&b, "%s\n%s\n\n", q.RenderText(targetName), dist)
			}
		case models.QuestionTypeText:
			freeText = append(freeText, answers...)
		}
	}

	if len(freeText) > 0 {
		summary, err := s.summarizeFreeText(ctx, freeText)
		if err != nil {
			slog.Error("Report free-text summarization failed", "error", err, "cycle", cycle.ID)
			return "", fmt.Errorf("summarize free text: %w", err)
		}
		fmt.Fprintf(&b, "Written feedback summary:\n%s\n", summary)
	}

	slog.Info("Report generated", "cycle", cycle.ID, "responses", len(records), "free_text", len(freeText))
	return strings.TrimSpace(b.String()), nil
}

func (s *Summarizer) summarizeFreeText(ctx context.Context, answers []string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Anonymous written answers:\n")
	for _, a := range answers {
		fmt.Fprintf(&prompt, "- %s\n", a)
	}

	params := openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt.String()),
		},
	}
	var resp openai.ChatCompletion
	err := s.policy.Do(ctx, "openai chat completion", func() error {
		var callErr error
		resp, callErr = s.chat.Create(ctx, params)
		return callErr
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// collectAnswers pulls the non-empty cells of one column.
func collectAnswers(records []sheets.Record, column string) []string {
	var out []string
	for _, rec := range records {
		if v := strings.TrimSpace(rec[column]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// scaleAverage averages numeric answers; unparseable cells are skipped.
func scaleAverage(answers []string) (float64, int, bool) {
	sum, n := 0, 0
	for _, a := range answers {
		v, err := strconv.Atoi(a)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	return float64(sum) / float64(n), n, true
}

// distribution counts identical answers, preserving first-seen order.
// Checkbox cells are split back into individual selections.
func distribution(answers []string) string {
	counts := make(map[string]int)
	var order []string
	for _, a := range answers {
		for _, part := range strings.Split(a, models.CheckboxJoinSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if counts[part] == 0 {
				order = append(order, part)
			}
			counts[part]++
		}
	}
	lines := make([]string, 0, len(order))
	for _, v := range order {
		lines = append(lines, fmt.Sprintf("%s: %d", v, counts[v]))
	}
	return strings.Join(lines, "\n")
}
