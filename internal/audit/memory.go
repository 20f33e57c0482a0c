package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process. Used in tests and for
// --audit-backend=memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    options
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) Store(_ context.Context, id, textType, text string, scans map[string]any) (*Record, error) {
	if err := checkTextType(textType); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.timestamp()
	r, ok := s.records[id]
	if !ok {
		r = &Record{ID: id, Scans: map[string]any{}, CreatedAt: now}
		s.records[id] = r
	}

	t := text
	if textType == TextInput {
		r.Input = &t
	} else {
		r.Output = &t
	}
	r.Scans = DeepMerge(r.Scans, scans)
	r.UpdatedAt = now

	out := copyRecord(r)
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(r)
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, cur string, limit int) (*Page, error) {
	limit = normalizeLimit(limit)

	var (
		hasCursor bool
		curAt     = s.opts.timestamp()
		curID     string
	)
	if cur != "" {
		at, id, err := DecodeCursor(cur)
		if err != nil {
			return nil, err
		}
		hasCursor, curAt, curID = true, at, id
	}

	s.mu.Lock()
	matched := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		if !hasCursor || after(r, curAt, curID) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	records := make([]Record, 0, len(matched))
	for _, r := range matched {
		records = append(records, copyRecord(r))
	}
	s.mu.Unlock()

	return finishPage(records, limit), nil
}

func (s *MemoryStore) Close() error { return nil }

func copyRecord(r *Record) Record {
	out := *r
	out.Scans = cloneTree(r.Scans)
	return out
}
