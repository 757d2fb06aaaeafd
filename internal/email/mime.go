package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"google.golang.org/api/gmail/v1"

	"github.com/brandon/mailhub/pkg/types"
)

const snippetLength = 200

// parsedBody is the content extracted from a raw RFC 822 message
type parsedBody struct {
	Text        string
	HTML        string
	MessageID   string
	Attachments []types.Attachment
	parts       []*enmime.Part
}

// parseRFC822 parses a raw message with enmime. Attachment ids are the
// index of the part in the envelope's attachment list.
func parseRFC822(raw []byte) (*parsedBody, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	body := &parsedBody{
		Text:      env.Text,
		HTML:      env.HTML,
		MessageID: env.GetHeader("Message-Id"),
		parts:     env.Attachments,
	}
	for i, p := range env.Attachments {
		body.Attachments = append(body.Attachments, types.Attachment{
			ID:       strconv.Itoa(i),
			Filename: p.FileName,
			MimeType: p.ContentType,
			Size:     int64(len(p.Content)),
		})
	}
	return body, nil
}

// attachment returns the content of the attachment with the given id.
func (b *parsedBody) attachment(id string) (*types.AttachmentContent, error) {
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 0 || idx >= len(b.parts) {
		return nil, types.Errorf(types.KindNotFound, "get attachment", "attachment %q not found", id)
	}
	p := b.parts[idx]
	return &types.AttachmentContent{
		Filename: p.FileName,
		MimeType: p.ContentType,
		Data:     base64.StdEncoding.EncodeToString(p.Content),
		Size:     int64(len(p.Content)),
	}, nil
}

// htmlToText extracts the visible text of an HTML document.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// makeSnippet returns a short single-line preview of the body.
func makeSnippet(text, html string) string {
	s := strings.Join(strings.Fields(text), " ")
	if s == "" && html != "" {
		s = htmlToText(html)
	}
	r := []rune(s)
	if len(r) > snippetLength {
		return string(r[:snippetLength]) + "..."
	}
	return s
}

// newMessageID returns a globally unique Message-ID for the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

func addressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, types.Errorf(types.KindValidation, "compose message", "invalid address %q", a)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// composeMessage renders an outgoing message as RFC 822 bytes. Bcc is only
// written when the transport reads recipients from the headers.
func composeMessage(from string, req *SendRequest, messageID string, includeBcc bool, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(req.Subject)
	h.SetMessageID(messageID)

	fromAddr, err := addressList([]string{from})
	if err != nil {
		return nil, err
	}
	h.SetAddressList("From", fromAddr)

	lists := []struct {
		key   string
		addrs []string
	}{{"To", req.To}, {"Cc", req.Cc}}
	if includeBcc {
		lists = append(lists, struct {
			key   string
			addrs []string
		}{"Bcc", req.Bcc})
	}
	for _, l := range lists {
		if len(l.addrs) == 0 {
			continue
		}
		addrs, err := addressList(l.addrs)
		if err != nil {
			return nil, err
		}
		h.SetAddressList(l.key, addrs)
	}

	if req.InReplyTo != "" {
		h.Set("In-Reply-To", req.InReplyTo)
		refs := req.References
		if len(refs) == 0 {
			refs = []string{req.InReplyTo}
		}
		h.Set("References", strings.Join(refs, " "))
	}

	var buf bytes.Buffer
	if req.HTMLBody == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, req.Body); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close body: %w", err)
		}
		return buf.Bytes(), nil
	}

	iw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	text := req.Body
	if text == "" {
		text = htmlToText(req.HTMLBody)
	}
	for _, alt := range []struct{ mime, body string }{
		{"text/plain", text},
		{"text/html", req.HTMLBody},
	} {
		var ih mail.InlineHeader
		ih.SetContentType(alt.mime, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ih)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", alt.mime, err)
		}
		if _, err := io.WriteString(pw, alt.body); err != nil {
			return nil, fmt.Errorf("failed to write %s part: %w", alt.mime, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close %s part: %w", alt.mime, err)
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeGmailData decodes a Gmail body payload, which is base64url but
// occasionally arrives unpadded or in the standard alphabet.
func decodeGmailData(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(data)
}

// gmailParts flattens a Gmail MIME tree depth-first using an explicit stack.
func gmailParts(root *gmail.MessagePart) []*gmail.MessagePart {
	if root == nil {
		return nil
	}
	var out []*gmail.MessagePart
	stack := []*gmail.MessagePart{root}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, part)
		for i := len(part.Parts) - 1; i >= 0; i-- {
			if part.Parts[i] != nil {
				stack = append(stack, part.Parts[i])
			}
		}
	}
	return out
}

func gmailHeader(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
