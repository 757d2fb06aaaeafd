package email

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/pkg/types"
)

// cacheTokenPrefix marks continuation tokens that page through the cache
// only, issued when the remote token for the next page is unknown.
const cacheTokenPrefix = "cache:"

// remotePage is one page fetched from a remote backend
type remotePage struct {
	Messages []types.Email
	Next     string
	Total    int
}

type remoteFetch func(ctx context.Context, token string) (*remotePage, error)

// pager implements the cache-first listing shared by every adapter.
type pager struct {
	accountID int64
	backend   types.Backend
	cache     MessageCache
	persist   PersistFunc
	tokens    *PageTokenIndex
	logger    *logrus.Logger
}

func (p *pager) list(ctx context.Context, opts ListOptions, fetch remoteFetch) (*types.MessagePage, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	key := PageKey{AccountID: p.accountID, Mailbox: opts.Mailbox, PageSize: opts.PageSize, Search: opts.Search}
	log := p.logger.WithFields(logrus.Fields{
		"account": p.accountID,
		"backend": p.backend,
		"mailbox": opts.Mailbox,
	})

	page := opts.Page
	if page == 0 && opts.PageToken == "" {
		page = 1
	}
	token := opts.PageToken
	cacheOnly := false

	switch {
	case strings.HasPrefix(token, cacheTokenPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(token, cacheTokenPrefix))
		if err != nil || n < 1 {
			return nil, types.Errorf(types.KindValidation, "list messages", "malformed page token")
		}
		page, token, cacheOnly = n, "", true
		if remote, ok := p.tokens.Lookup(key, n); ok {
			token, cacheOnly = remote, false
		}
	case token != "":
		if n, ok := p.tokens.PageOf(key, token); ok {
			page = n
		}
	case page > 1:
		remote, ok := p.tokens.Lookup(key, page)
		if !ok {
			log.WithField("page", page).Debug("No continuation token for page")
			return &types.MessagePage{Messages: []types.Email{}, Page: page}, nil
		}
		token = remote
	}

	if (!opts.ForceRefresh || cacheOnly) && page > 0 {
		res := p.cache.QueryPage(ctx, cache.PageQuery{
			AccountID: p.accountID,
			Mailbox:   opts.Mailbox,
			PageSize:  opts.PageSize,
			Page:      page,
			Search:    opts.Search,
		})
		switch res.Status {
		case cache.CacheHit:
			return &types.MessagePage{
				Messages:      res.Messages,
				NextPageToken: p.nextToken(key, page, res.Total),
				Page:          page,
				Total:         res.Total,
				FromCache:     true,
			}, nil
		case cache.CacheError:
			log.WithError(res.Err).Warn("Cache read failed, falling back to remote")
		}
	}

	if cacheOnly {
		return &types.MessagePage{Messages: []types.Email{}, Page: page}, nil
	}

	rp, err := fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	if page > 0 {
		p.tokens.Record(key, page, rp.Next)
	}

	msgs := p.store(ctx, rp.Messages)
	log.WithFields(logrus.Fields{"page": page, "count": len(msgs)}).Debug("Fetched page from remote")

	return &types.MessagePage{
		Messages:      msgs,
		NextPageToken: rp.Next,
		Page:          page,
		Total:         rp.Total,
	}, nil
}

// nextToken returns the remote token for page+1 when one is known, or a
// cache token while more cached rows remain.
func (p *pager) nextToken(key PageKey, page, total int) string {
	if t, ok := p.tokens.Lookup(key, page+1); ok {
		return t
	}
	if total > page*key.PageSize {
		return cacheTokenPrefix + strconv.Itoa(page+1)
	}
	return ""
}

// store persists fetched messages and stamps them with their local ids.
// Persistence failures are logged; the remote result is still returned.
func (p *pager) store(ctx context.Context, msgs []types.Email) []types.Email {
	if len(msgs) == 0 {
		return []types.Email{}
	}
	for i := range msgs {
		msgs[i].AccountID = p.accountID
	}
	if _, err := p.persist(ctx, p.accountID, msgs); err != nil {
		p.logger.WithError(err).WithField("account", p.accountID).Warn("Failed to persist fetched emails")
		return msgs
	}
	resolved, err := p.cache.Resolve(ctx, p.accountID, msgs)
	if err != nil {
		p.logger.WithError(err).WithField("account", p.accountID).Warn("Failed to resolve cached ids")
		return msgs
	}
	ids := make(map[types.DedupKey]types.Email, len(resolved))
	for _, r := range resolved {
		ids[r.Key()] = r
	}
	for i := range msgs {
		if r, ok := ids[msgs[i].Key()]; ok {
			msgs[i].ID = r.ID
			msgs[i].CachedAt = r.CachedAt
		}
	}
	return msgs
}

// persistOne stores a single message and returns it with its local id.
func (p *pager) persistOne(ctx context.Context, msg types.Email) types.Email {
	out := p.store(ctx, []types.Email{msg})
	return out[0]
}
