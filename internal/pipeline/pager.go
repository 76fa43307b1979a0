package pipeline

import (
	"fmt"
	"strings"
	"sync"
)

// defaultPageSize is the largest reply sent in one message before the
// remainder is held back for "more".
const defaultPageSize = 3000

// pager holds per-session reply remainders so a bare "more" continues
// where the last long reply stopped.
type pager struct {
	mu       sync.Mutex
	pageSize int
	pending  map[string][]string
}

func newPager(pageSize int) *pager {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &pager{
		pageSize: pageSize,
		pending:  make(map[string][]string),
	}
}

// Page returns the first page of text and stores the rest for the
// session. Short texts pass through untouched and clear any remainder.
func (p *pager) Page(sessionKey, text string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := splitPages(text, p.pageSize)
	if len(pages) <= 1 {
		delete(p.pending, sessionKey)
		return text
	}
	p.pending[sessionKey] = pages[1:]
	return pages[0] + fmt.Sprintf("\n\n(1/%d. Reply \"more\" for the rest.)", len(pages))
}

// Next pops the next stored page, ok=false when nothing is pending.
func (p *pager) Next(sessionKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := p.pending[sessionKey]
	if len(pages) == 0 {
		return "", false
	}
	page := pages[0]
	if len(pages) == 1 {
		delete(p.pending, sessionKey)
		return page, true
	}
	p.pending[sessionKey] = pages[1:]
	return page + fmt.Sprintf("\n\n(Reply \"more\" for %d more.)", len(pages)-1), true
}

// splitPages cuts text into chunks of at most pageSize runes,
// preferring line boundaries.
func splitPages(text string, pageSize int) []string {
	if len(text) <= pageSize {
		return []string{text}
	}
	var pages []string
	remaining := text
	for len(remaining) > pageSize {
		cut := pageSize
		if idx := strings.LastIndex(remaining[:pageSize], "\n"); idx > pageSize/2 {
			cut = idx
		}
		pages = append(pages, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		pages = append(pages, remaining)
	}
	return pages
}
