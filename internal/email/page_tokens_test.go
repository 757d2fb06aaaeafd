package email

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageTokenIndexRecordsNextPage(t *testing.T) {
	x := NewPageTokenIndex()
	key := PageKey{AccountID: 1, Mailbox: "INBOX", PageSize: 20}

	x.Record(key, 1, "t2")
	x.Record(key, 2, "t3")
	x.Record(key, 3, "")
	x.Record(key, 0, "ignored")

	_, ok := x.Lookup(key, 1)
	assert.False(t, ok)
	tok, ok := x.Lookup(key, 2)
	assert.True(t, ok)
	assert.Equal(t, "t2", tok)
	_, ok = x.Lookup(key, 4)
	assert.False(t, ok)

	page, ok := x.PageOf(key, "t3")
	assert.True(t, ok)
	assert.Equal(t, 3, page)
}

func TestPageTokenIndexScopesByKey(t *testing.T) {
	x := NewPageTokenIndex()
	a := PageKey{AccountID: 1, Mailbox: "INBOX", PageSize: 20}
	x.Record(a, 1, "t2")

	for _, other := range []PageKey{
		{AccountID: 2, Mailbox: "INBOX", PageSize: 20},
		{AccountID: 1, Mailbox: "Sent", PageSize: 20},
		{AccountID: 1, Mailbox: "INBOX", PageSize: 50},
		{AccountID: 1, Mailbox: "INBOX", PageSize: 20, Search: "invoice"},
	} {
		_, ok := x.Lookup(other, 2)
		assert.False(t, ok, "%+v", other)
	}

	x.Record(PageKey{AccountID: 2, Mailbox: "INBOX", PageSize: 20}, 1, "other")
	x.ResetAccount(1)
	_, ok := x.Lookup(a, 2)
	assert.False(t, ok)
	_, ok = x.Lookup(PageKey{AccountID: 2, Mailbox: "INBOX", PageSize: 20}, 2)
	assert.True(t, ok)
}

func TestPageTokenIndexConcurrent(t *testing.T) {
	x := NewPageTokenIndex()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := PageKey{AccountID: int64(w % 2), Mailbox: "INBOX", PageSize: 10}
			for p := 1; p <= 100; p++ {
				x.Record(key, p, fmt.Sprintf("%d-%d", w, p))
				x.Lookup(key, p)
				x.PageOf(key, "none")
			}
			x.ResetAccount(int64(w % 2))
		}(w)
	}
	wg.Wait()
}
