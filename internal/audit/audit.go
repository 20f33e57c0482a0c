// Package audit stores classifier verdicts for tool calls, keyed by
// correlation id, and pages through them newest first.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Text types accepted by Store.
const (
	TextInput  = "input"
	TextOutput = "output"
)

// Page sizes for List.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrNotFound        = errors.New("scan not found")
	ErrInvalidCursor   = errors.New("invalid cursor")
	ErrInvalidTextType = errors.New("invalid text type")
	// ErrStoreRace means a record vanished between its creation and merge
	// inside one transaction. It indicates a backend bug.
	ErrStoreRace = errors.New("audit store race")
)

// Record is one correlated tool call.
type Record struct {
	ID        string         `json:"scan_id"`
	Input     *string        `json:"input"`
	Output    *string        `json:"output"`
	Scans     map[string]any `json:"scans"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Complete reports whether the output side has been recorded.
func (r *Record) Complete() bool { return r.Output != nil }

// Status is the externally visible view of a record.
type Status struct {
	Input    *string        `json:"input"`
	Output   *string        `json:"output"`
	Scans    map[string]any `json:"scans"`
	Complete bool           `json:"complete"`
}

// StatusOf builds the status view of r.
func StatusOf(r *Record) Status {
	return Status{Input: r.Input, Output: r.Output, Scans: r.Scans, Complete: r.Complete()}
}

// Page is one slice of a keyset listing.
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// Store is implemented by every backend.
type Store interface {
	// Store creates the record for id if needed, sets the text for
	// textType and deep-merges scans into the record's tree. Creation and
	// merge are one atomic unit.
	Store(ctx context.Context, id, textType, text string, scans map[string]any) (*Record, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns up to limit records ordered by (created_at, id)
	// descending, starting after cursor. An empty cursor starts at the
	// newest record.
	List(ctx context.Context, cursor string, limit int) (*Page, error)
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNowFunc overrides the clock used for created_at and updated_at.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// timestamps are kept at microsecond precision so they survive a round
// trip through every backend and cursors compare exactly.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

func checkTextType(t string) error {
	if t != TextInput && t != TextOutput {
		return fmt.Errorf("%w: %q", ErrInvalidTextType, t)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

type cursor struct {
	CreatedAt int64  `json:"c"`
	ID        string `json:"i"`
}

// EncodeCursor renders the position after a record.
func EncodeCursor(createdAt time.Time, id string) string {
	b, _ := json.Marshal(cursor{CreatedAt: createdAt.UnixMicro(), ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	return time.UnixMicro(c.CreatedAt).UTC(), c.ID, nil
}

// after reports whether r sorts strictly after the cursor position in
// descending (created_at, id) order.
func after(r *Record, createdAt time.Time, id string) bool {
	if r.CreatedAt.Before(createdAt) {
		return true
	}
	return r.CreatedAt.Equal(createdAt) && r.ID < id
}

// finishPage trims a limit+1 result into a Page.
func finishPage(records []Record, limit int) *Page {
	page := &Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.HasMore = true
	}
	if page.HasMore {
		last := page.Records[len(page.Records)-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Records == nil {
		page.Records = []Record{}
	}
	return page
}

// Each walks every record page by page, newest first, holding one page in
// memory at a time.
func Each(ctx context.Context, s Store, pageSize int, fn func(*Record) error) error {
	cur := ""
	for {
		page, err := s.List(ctx, cur, pageSize)
		if err != nil {
			return err
		}
		for i := range page.Records {
			if err := fn(&page.Records[i]); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
		cur = page.NextCursor
	}
}
