package email

import "sync"

// PageKey scopes continuation tokens to one listing.
type PageKey struct {
	AccountID int64
	Mailbox   string
	PageSize  int
	Search    string
}

// PageTokenIndex remembers which continuation token leads to which page.
// It is process memory only and safe for concurrent use.
type PageTokenIndex struct {
	mu     sync.Mutex
	tokens map[PageKey]map[int]string
}

// NewPageTokenIndex creates an empty index
func NewPageTokenIndex() *PageTokenIndex {
	return &PageTokenIndex{tokens: make(map[PageKey]map[int]string)}
}

// Record stores the token returned while fetching page; it leads to page+1.
func (x *PageTokenIndex) Record(key PageKey, page int, token string) {
	if token == "" || page < 1 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	pages, ok := x.tokens[key]
	if !ok {
		pages = make(map[int]string)
		x.tokens[key] = pages
	}
	pages[page+1] = token
}

// Lookup returns the token that fetches page.
func (x *PageTokenIndex) Lookup(key PageKey, page int) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	token, ok := x.tokens[key][page]
	return token, ok
}

// PageOf returns the page a known token leads to.
func (x *PageTokenIndex) PageOf(key PageKey, token string) (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for page, t := range x.tokens[key] {
		if t == token {
			return page, true
		}
	}
	return 0, false
}

// ResetAccount forgets every token of the account.
func (x *PageTokenIndex) ResetAccount(accountID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for key := range x.tokens {
		if key.AccountID == accountID {
			delete(x.tokens, key)
		}
	}
}
