// Package search parses mail search queries and ranks cached messages with
// edit-distance, trigram and semantic passes.
package search

import (
	"strings"

	"github.com/brandon/mailhub/pkg/types"
)

// operatorFn applies one key:value token to the criteria.
type operatorFn func(c *types.SearchCriteria, value string) error

func boolPtr(v bool) *bool { return &v }

var operators = map[string]operatorFn{
	"from": func(c *types.SearchCriteria, v string) error {
		c.From = append(c.From, strings.ToLower(v))
		return nil
	},
	"to": func(c *types.SearchCriteria, v string) error {
		c.To = append(c.To, strings.ToLower(v))
		return nil
	},
	"subject": func(c *types.SearchCriteria, v string) error {
		c.Subject = append(c.Subject, v)
		return nil
	},
	"contains": func(c *types.SearchCriteria, v string) error {
		c.Contains = append(c.Contains, v)
		return nil
	},
	"folder": func(c *types.SearchCriteria, v string) error {
		c.Folders = append(c.Folders, v)
		return nil
	},
	"has": func(c *types.SearchCriteria, v string) error {
		switch strings.ToLower(v) {
		case "attachment", "attachments":
			c.HasAttachment = boolPtr(true)
			return nil
		}
		return types.Errorf(types.KindValidation, "parse query", "unknown has: value %q", v)
	},
	"is": func(c *types.SearchCriteria, v string) error {
		switch strings.ToLower(v) {
		case "read":
			c.IsRead = boolPtr(true)
		case "unread":
			c.IsRead = boolPtr(false)
		case "starred":
			c.IsStarred = boolPtr(true)
		default:
			return types.Errorf(types.KindValidation, "parse query", "unknown is: value %q", v)
		}
		return nil
	},
}

// Parse parses a query such as `from:a@x.com from:b@x.com subject:"q3 invoice" budget`.
// Repeated keys are ORed, distinct keys are ANDed, and the remaining words
// form the free text. Unknown keys are kept as free text.
func Parse(query string) (types.SearchCriteria, error) {
	var c types.SearchCriteria
	var text []string

	for _, token := range tokenize(query) {
		if isQuotedPhrase(token) {
			text = append(text, unquote(token))
			continue
		}
		if idx := strings.Index(token, ":"); idx > 0 {
			op := strings.ToLower(token[:idx])
			if handler, ok := operators[op]; ok {
				value := strings.TrimSpace(strings.Trim(token[idx+1:], `"'`))
				if value == "" {
					return types.SearchCriteria{}, types.Errorf(types.KindValidation, "parse query", "empty value for %s:", op)
				}
				if err := handler(&c, value); err != nil {
					return types.SearchCriteria{}, err
				}
				continue
			}
		}
		text = append(text, token)
	}

	c.FreeText = strings.Join(text, " ")
	return c, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func isQuotedPhrase(token string) bool {
	return len(token) > 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits on whitespace, keeping quoted phrases and op:"quoted value"
// pairs together.
func tokenize(query string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)
	afterColon := false
	opQuoted := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range query {
		switch {
		case !inQuotes && (r == '"' || (r == '\'' && (current.Len() == 0 || afterColon))):
			inQuotes = true
			quoteChar = r
			opQuoted = afterColon
			if afterColon {
				current.WriteRune('"')
			} else {
				flush()
			}
			afterColon = false
		case inQuotes && r == quoteChar:
			inQuotes = false
			if opQuoted {
				current.WriteRune('"')
				flush()
			} else if current.Len() > 0 {
				tokens = append(tokens, `"`+current.String()+`"`)
				current.Reset()
			}
			quoteChar = 0
			opQuoted = false
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n'):
			flush()
			afterColon = false
		default:
			current.WriteRune(r)
			afterColon = r == ':'
		}
	}
	flush()
	return tokens
}
