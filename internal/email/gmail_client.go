package email

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

// hydrateConcurrency bounds parallel message fetches for one page.
const hydrateConcurrency = 8

// GmailClient calls the Gmail REST API for one account. A fresh token is
// requested from the supplier before every HTTP call.
type GmailClient struct {
	accountID int64
	tokens    TokenSupplier
	timeout   time.Duration
	logger    *logrus.Logger
	endpoint  string // overrides the API base URL in tests
}

// NewGmailClient creates a Gmail client for an account
func NewGmailClient(accountID int64, tokens TokenSupplier, timeout time.Duration, logger *logrus.Logger) *GmailClient {
	return &GmailClient{
		accountID: accountID,
		tokens:    tokens,
		timeout:   timeout,
		logger:    logger,
	}
}

func (c *GmailClient) service(ctx context.Context) (*gmail.UsersService, error) {
	hc := oauth2.NewClient(ctx, accountTokenSource{ctx: ctx, supplier: c.tokens, accountID: c.accountID})
	hc.Timeout = c.timeout
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "gmail service", err)
	}
	return svc.Users, nil
}

func (c *GmailClient) call(ctx context.Context, op string, fn func(*gmail.UsersService) error) error {
	users, err := c.service(ctx)
	if err != nil {
		return err
	}
	err = fn(users)
	metrics.RemoteCalls.WithLabelValues(string(types.BackendRemoteAPI), op, metrics.Result(err)).Inc()
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"account": c.accountID, "op": op}).Debug("Gmail call failed")
		return classifyGoogleError("gmail "+op, err)
	}
	return nil
}

// ListLabels lists labels with their message counts
func (c *GmailClient) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	var labels []*gmail.Label
	err := c.call(ctx, "list_labels", func(u *gmail.UsersService) error {
		resp, err := u.Labels.List("me").Context(ctx).Do()
		if err != nil {
			return err
		}

		// List omits counts; fetch each label concurrently
		labels = make([]*gmail.Label, len(resp.Labels))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(hydrateConcurrency)
		for i, l := range resp.Labels {
			g.Go(func() error {
				full, err := u.Labels.Get("me", l.Id).Context(gctx).Do()
				if err != nil {
					return err
				}
				labels[i] = full
				return nil
			})
		}
		return g.Wait()
	})
	return labels, err
}

// ListMessages lists one page of message ids then fetches each message
func (c *GmailClient) ListMessages(ctx context.Context, labelID string, pageSize int, pageToken, query string) ([]*gmail.Message, string, int, error) {
	var msgs []*gmail.Message
	var next string
	var total int
	err := c.call(ctx, "list_messages", func(u *gmail.UsersService) error {
		call := u.Messages.List("me").MaxResults(int64(pageSize)).Context(ctx)
		if labelID != "" {
			call = call.LabelIds(labelID)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if query != "" {
			call = call.Q(query)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}
		next = resp.NextPageToken
		total = int(resp.ResultSizeEstimate)

		msgs = make([]*gmail.Message, len(resp.Messages))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(hydrateConcurrency)
		for i, m := range resp.Messages {
			g.Go(func() error {
				full, err := u.Messages.Get("me", m.Id).Format("full").Context(gctx).Do()
				if err != nil {
					return err
				}
				msgs[i] = full
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, "", 0, err
	}
	return msgs, next, total, nil
}

// GetMessage fetches one message in full format
func (c *GmailClient) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := c.call(ctx, "get_message", func(u *gmail.UsersService) error {
		var err error
		msg, err = u.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return err
	})
	return msg, err
}

// SendRaw sends an RFC 822 message
func (c *GmailClient) SendRaw(ctx context.Context, raw []byte, threadID string) (*gmail.Message, error) {
	var sent *gmail.Message
	err := c.call(ctx, "send", func(u *gmail.UsersService) error {
		var err error
		sent, err = u.Messages.Send("me", &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: threadID,
		}).Context(ctx).Do()
		return err
	})
	return sent, err
}

// ModifyLabels adds and removes labels on one message
func (c *GmailClient) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	return c.call(ctx, "modify", func(u *gmail.UsersService) error {
		_, err := u.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

// Trash moves a message to the trash
func (c *GmailClient) Trash(ctx context.Context, id string) error {
	return c.call(ctx, "trash", func(u *gmail.UsersService) error {
		_, err := u.Messages.Trash("me", id).Context(ctx).Do()
		return err
	})
}

// Delete permanently deletes a message
func (c *GmailClient) Delete(ctx context.Context, id string) error {
	return c.call(ctx, "delete", func(u *gmail.UsersService) error {
		return u.Messages.Delete("me", id).Context(ctx).Do()
	})
}

// GetAttachment downloads one attachment body
func (c *GmailClient) GetAttachment(ctx context.Context, messageID, attachmentID string) (*gmail.MessagePartBody, error) {
	var body *gmail.MessagePartBody
	err := c.call(ctx, "get_attachment", func(u *gmail.UsersService) error {
		var err error
		body, err = u.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, types.Errorf(types.KindNotFound, "gmail get_attachment", "attachment %s not found", attachmentID)
	}
	return body, nil
}
