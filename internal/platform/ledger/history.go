package ledger

import (
	"context"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type HistoryPage struct {
	Entries []Entry
	Total   int
	HasMore bool
}

func NormalizePage(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// History lists the user's ledger entries newest first.
func (e *Engine) History(ctx context.Context, userID string, f EntryFilter, page Page) (out HistoryPage, err error) {
	defer e.track(ctx, "history", time.Now(), &err)

	if f.Kind != "" {
		if _, ok := ParseEntryKind(string(f.Kind)); !ok {
			return HistoryPage{}, BadRequest(ReasonInvalidRequest, "unknown transaction type %q", f.Kind)
		}
	}
	a, err := e.accountByUser(ctx, userID)
	if err != nil {
		return HistoryPage{}, err
	}
	page = NormalizePage(page)
	entries, total, err := e.store.Entries(ctx, a.ID, f, page)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		Entries: entries,
		Total:   total,
		HasMore: page.Offset+len(entries) < total,
	}, nil
}
