package ledger

import (
	"context"
	"encoding/base64"
	"iter"
	"strconv"
	"strings"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageParams selects one page of history.
type PageParams struct {
	PageSize  int
	PageToken string
}

// Page is one page of history, newest first.
type Page struct {
	Items []*models.Transaction

	// NextPageToken is empty on the last page.
	NextPageToken string
}

const tokenPrefix = "seq:"

func encodePageToken(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(tokenPrefix + strconv.FormatInt(seq, 10)))
}

func decodePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, models.Validationf("malformed page token")
	}
	s, ok := strings.CutPrefix(string(raw), tokenPrefix)
	if !ok {
		return 0, models.Validationf("malformed page token")
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq <= 0 {
		return 0, models.Validationf("malformed page token")
	}
	return seq, nil
}

// History returns one page of an account's transactions, newest first.
// Tokens stay valid as new transactions arrive; they only ever page backwards.
func (e *Executor) History(ctx context.Context, identity string, params PageParams) (*Page, error) {
	size := params.PageSize
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	before, err := decodePageToken(params.PageToken)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, identity); err != nil {
		return nil, err
	}

	txns, err := e.store.ListTransactions(ctx, identity, storage.TransactionFilter{
		BeforeSeq: before,
		Limit:     size + 1,
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Items: txns}
	if len(txns) > size {
		page.Items = txns[:size]
		page.NextPageToken = encodePageToken(page.Items[size-1].Seq)
	}
	return page, nil
}

// HistorySeq walks an account's whole history lazily, newest first, fetching
// pageSize rows at a time. Each range over it starts again from the newest.
func (e *Executor) HistorySeq(ctx context.Context, identity string, pageSize int) iter.Seq2[models.Transaction, error] {
	return func(yield func(models.Transaction, error) bool) {
		params := PageParams{PageSize: pageSize}
		for {
			page, err := e.History(ctx, identity, params)
			if err != nil {
				yield(models.Transaction{}, err)
				return
			}
			for _, txn := range page.Items {
				if !yield(*txn, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			params.PageToken = page.NextPageToken
		}
	}
}
