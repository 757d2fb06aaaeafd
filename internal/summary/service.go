// Package summary generates and caches short summaries of messages.
package summary

import (
	"context"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/pkg/types"
)

const (
	systemPrompt = "You summarize emails. Reply with two or three plain sentences covering " +
		"who wrote, what they want and any dates or amounts. No preamble."
	maxBodyRunes = 12000
)

// Store reads messages and caches summaries
type Store interface {
	GetByID(ctx context.Context, accountID, id int64) (*types.Email, error)
	GetSummary(ctx context.Context, emailID int64) (*types.Summary, error)
	SaveSummary(ctx context.Context, sum *types.Summary) error
}

// Chatter is the chat endpoint of an Ollama client
type Chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Service returns cached summaries and generates missing ones
type Service struct {
	store  Store
	llm    Chatter
	model  string
	logger *logrus.Logger
	now    func() time.Time
}

// NewService creates a summary service. A nil llm disables generation;
// cached summaries are still served.
func NewService(store Store, llm Chatter, model string, logger *logrus.Logger) *Service {
	return &Service{store: store, llm: llm, model: model, logger: logger, now: time.Now}
}

// Summarize returns the summary of a cached message, generating and storing
// it when missing or when regenerate is set.
func (s *Service) Summarize(ctx context.Context, accountID, emailID int64, regenerate bool) (*types.Summary, error) {
	msg, err := s.store.GetByID(ctx, accountID, emailID)
	if err != nil {
		return nil, err
	}

	if !regenerate {
		cached, err := s.store.GetSummary(ctx, msg.ID)
		if err == nil {
			return cached, nil
		}
		if types.KindOf(err) != types.KindNotFound {
			s.logger.WithError(err).WithField("email_id", msg.ID).Warn("Failed to read cached summary")
		}
	}

	if s.llm == nil || s.model == "" {
		return nil, types.Errorf(types.KindConfiguration, "summarize", "no summary model configured")
	}

	text, err := s.generate(ctx, msg)
	if err != nil {
		return nil, err
	}
	sum := &types.Summary{
		EmailID:     msg.ID,
		Text:        text,
		Model:       s.model,
		GeneratedAt: s.now().UTC().Truncate(time.Second),
	}
	if err := s.store.SaveSummary(ctx, sum); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"email_id": msg.ID, "model": s.model}).Info("Generated summary")
	return sum, nil
}

func (s *Service) generate(ctx context.Context, msg *types.Email) (string, error) {
	body := msg.BodyText
	if body == "" {
		body = msg.Snippet
	}
	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes])
	}

	var prompt strings.Builder
	prompt.WriteString("From: " + strings.TrimSpace(msg.SenderName+" <"+msg.SenderEmail+">") + "\n")
	prompt.WriteString("Subject: " + msg.Subject + "\n")
	prompt.WriteString("Date: " + msg.Date.Format(time.RFC1123Z) + "\n\n")
	prompt.WriteString(body)

	stream := false
	req := &api.ChatRequest{
		Model: s.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt.String()},
		},
		Stream: &stream,
	}

	var out strings.Builder
	err := s.llm.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", types.NewError(types.KindProviderUnavailable, "summarize", err)
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", types.Errorf(types.KindRemoteBackend, "summarize", "model returned an empty summary")
	}
	return text, nil
}
