// Package lineitem keeps the per-document print settings of one submission.
package lineitem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/pricing"
)

// Field names an editable attribute of a line item.
type Field string

const (
	FieldPageCount Field = "pageCount"
	FieldCopies    Field = "copies"
	FieldColorMode Field = "colorMode"
	FieldDuplex    Field = "duplex"
)

// LineItem is one document's print settings.
type LineItem struct {
	Slot               int               `json:"slot"`
	FileName           string            `json:"fileName"`
	ContentType        string            `json:"contentType,omitempty"`
	Size               int               `json:"size"`
	PageCount          int               `json:"pageCount"`
	Copies             int               `json:"copies"`
	ColorMode          pricing.ColorMode `json:"colorMode"`
	Duplex             bool              `json:"duplex"`
	PageCountEstimated bool              `json:"pageCountEstimated"`
	PagesEdited        bool              `json:"pagesEdited"`
	Counting           bool              `json:"counting,omitempty"`
}

// PricingItem converts the item into its pricing view.
func (li LineItem) PricingItem() pricing.Item {
	return pricing.Item{
		Slot:      li.Slot,
		Pages:     li.PageCount,
		Copies:    li.Copies,
		Mode:      li.ColorMode,
		Duplex:    li.Duplex,
		Estimated: li.PageCountEstimated,
	}
}

// PricingItems maps items to their pricing view.
func PricingItems(items []LineItem) []pricing.Item {
	out := make([]pricing.Item, len(items))
	for i, it := range items {
		out[i] = it.PricingItem()
	}
	return out
}

// Entry pairs a line item with the document it describes.
type Entry struct {
	Item     LineItem
	Document pagecount.Document
}

// PageCounter is satisfied by pagecount.Counter.
type PageCounter interface {
	Count(ctx context.Context, doc pagecount.Document) pagecount.Result
}

// snapshot is immutable once published.
type snapshot struct {
	entries map[int]Entry
	frozen  bool
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{entries: make(map[int]Entry, len(s.entries)), frozen: s.frozen}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	return next
}

func (s *snapshot) sorted() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.Slot < out[j].Item.Slot })
	return out
}

// Store owns the line items of one submission session. Readers always see a
// complete snapshot; writers build a new one and swap it in.
type Store struct {
	counter PageCounter
	workers int
	logger  zerolog.Logger

	mu   sync.Mutex
	next int
	cur  atomic.Pointer[snapshot]
}

// NewStore builds an empty store. Slots are issued from 1 and workers
// bounds concurrent page counting.
func NewStore(counter PageCounter, workers int, logger zerolog.Logger) *Store {
	if counter == nil {
		counter = pagecount.Counter{Logger: logger}
	}
	if workers < 1 {
		workers = 1
	}
	s := &Store{counter: counter, workers: workers, logger: logger, next: 1}
	s.cur.Store(&snapshot{entries: map[int]Entry{}})
	return s
}

func (s *Store) load() *snapshot { return s.cur.Load() }

// mutate applies fn to a copy of the current snapshot under the write lock.
func (s *Store) mutate(fn func(next *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.load().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// AddFiles appends one slot per document in the given order, then counts pages
// concurrently. Each count lands only in its own slot, and only if the slot
// still exists and its page count was not edited meanwhile.
func (s *Store) AddFiles(ctx context.Context, docs []pagecount.Document) ([]LineItem, error) {
	if len(docs) == 0 {
		return nil, &ValidationError{Slot: -1, Field: "files", Message: "no file selected"}
	}
	for _, d := range docs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, &ValidationError{Slot: -1, Field: "files", Message: "file name is required"}
		}
		if len(d.Data) == 0 {
			return nil, &ValidationError{Slot: -1, Field: "files", Message: fmt.Sprintf("%s is empty", d.Name)}
		}
	}

	slots := make([]int, len(docs))
	err := s.mutate(func(next *snapshot) error {
		if next.frozen {
			return ErrFrozen
		}
		for i, d := range docs {
			slot := s.next
			s.next++
			slots[i] = slot
			next.entries[slot] = Entry{
				Item: LineItem{
					Slot:               slot,
					FileName:           d.Name,
					ContentType:        d.ContentType,
					Size:               len(d.Data),
					PageCount:          pagecount.DefaultFallback,
					Copies:             1,
					ColorMode:          pricing.Color,
					PageCountEstimated: true,
					Counting:           true,
				},
				Document: d,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range docs {
		slot, doc := slots[i], docs[i]
		g.Go(func() error {
			s.applyCount(slot, s.counter.Count(gctx, doc))
			return nil
		})
	}
	_ = g.Wait()

	snap := s.load()
	out := make([]LineItem, 0, len(slots))
	for _, slot := range slots {
		if e, ok := snap.entries[slot]; ok {
			out = append(out, e.Item)
		}
	}
	return out, nil
}

func (s *Store) applyCount(slot int, res pagecount.Result) {
	_ = s.mutate(func(next *snapshot) error {
		e, ok := next.entries[slot]
		if !ok {
			return ErrUnknownSlot
		}
		e.Item.Counting = false
		if !e.Item.PagesEdited && res.Pages >= 1 {
			e.Item.PageCount = res.Pages
			e.Item.PageCountEstimated = res.Estimated
		}
		next.entries[slot] = e
		return nil
	})
	s.logger.Debug().Int("slot", slot).Int("pages", res.Pages).Bool("estimated", res.Estimated).Msg("page count applied")
}

// RemoveFile drops the slot and its document. Other slots keep their indices.
func (s *Store) RemoveFile(slot int) error {
	return s.mutate(func(next *snapshot) error {
		if next.frozen {
			return ErrFrozen
		}
		if _, ok := next.entries[slot]; !ok {
			return ErrUnknownSlot
		}
		delete(next.entries, slot)
		return nil
	})
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	PageCount *int               `json:"pageCount,omitempty"`
	Copies    *int               `json:"copies,omitempty"`
	ColorMode *pricing.ColorMode `json:"colorMode,omitempty"`
	Duplex    *bool              `json:"duplex,omitempty"`
}

// Update validates every field of p and commits them together.
func (s *Store) Update(slot int, p Patch) (LineItem, error) {
	var updated LineItem
	err := s.mutate(func(next *snapshot) error {
		if next.frozen {
			return ErrFrozen
		}
		e, ok := next.entries[slot]
		if !ok {
			return ErrUnknownSlot
		}
		if p.PageCount != nil && (*p.PageCount < 1 || *p.PageCount > pricing.MaxPages) {
			return &ValidationError{Slot: slot, Field: FieldPageCount, Message: fmt.Sprintf("must be between 1 and %d", pricing.MaxPages)}
		}
		if p.Copies != nil && (*p.Copies < 1 || *p.Copies > pricing.MaxCopies) {
			return &ValidationError{Slot: slot, Field: FieldCopies, Message: fmt.Sprintf("must be between 1 and %d", pricing.MaxCopies)}
		}
		if p.ColorMode != nil && !p.ColorMode.Valid() {
			return &ValidationError{Slot: slot, Field: FieldColorMode, Message: fmt.Sprintf("unknown mode %q", *p.ColorMode)}
		}
		if p.PageCount != nil {
			e.Item.PageCount = *p.PageCount
			e.Item.PagesEdited = true
			e.Item.PageCountEstimated = false
		}
		if p.Copies != nil {
			e.Item.Copies = *p.Copies
		}
		if p.ColorMode != nil {
			e.Item.ColorMode = *p.ColorMode
		}
		if p.Duplex != nil {
			e.Item.Duplex = *p.Duplex
		}
		next.entries[slot] = e
		updated = e.Item
		return nil
	})
	return updated, err
}

// SetField updates a single field. Integers may arrive as int, int64, float64
// (decoded JSON) or decimal strings; color modes as pricing.ColorMode or string.
func (s *Store) SetField(slot int, field Field, value any) error {
	var p Patch
	switch field {
	case FieldPageCount, FieldCopies:
		n, err := toInt(value)
		if err != nil {
			return &ValidationError{Slot: slot, Field: field, Message: err.Error()}
		}
		if field == FieldPageCount {
			p.PageCount = &n
		} else {
			p.Copies = &n
		}
	case FieldColorMode:
		var mode pricing.ColorMode
		switch v := value.(type) {
		case pricing.ColorMode:
			mode = v
		case string:
			parsed, err := pricing.ParseColorMode(v)
			if err != nil {
				return &ValidationError{Slot: slot, Field: field, Message: err.Error()}
			}
			mode = parsed
		default:
			return &ValidationError{Slot: slot, Field: field, Message: fmt.Sprintf("unsupported value %T", value)}
		}
		p.ColorMode = &mode
	case FieldDuplex:
		var b bool
		switch v := value.(type) {
		case bool:
			b = v
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return &ValidationError{Slot: slot, Field: field, Message: "must be a boolean"}
			}
			b = parsed
		default:
			return &ValidationError{Slot: slot, Field: field, Message: fmt.Sprintf("unsupported value %T", value)}
		}
		p.Duplex = &b
	default:
		return &ValidationError{Slot: slot, Field: field, Message: "unknown field"}
	}
	_, err := s.Update(slot, p)
	return err
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported value %T", value)
}

// Items returns the current line items ordered by slot.
func (s *Store) Items() []LineItem {
	entries := s.load().sorted()
	out := make([]LineItem, len(entries))
	for i, e := range entries {
		out[i] = e.Item
	}
	return out
}

// Entries returns items with their documents from one consistent snapshot.
func (s *Store) Entries() []Entry {
	return s.load().sorted()
}

// Item returns a single line item.
func (s *Store) Item(slot int) (LineItem, error) {
	e, ok := s.load().entries[slot]
	if !ok {
		return LineItem{}, ErrUnknownSlot
	}
	return e.Item, nil
}

// Len reports the number of present slots.
func (s *Store) Len() int { return len(s.load().entries) }

// Quote prices the current snapshot.
func (s *Store) Quote(rates pricing.RateTable) (pricing.Quotation, error) {
	return pricing.Quote(PricingItems(s.Items()), rates)
}

// Freeze rejects further edits until Unfreeze or Clear.
func (s *Store) Freeze() error {
	return s.mutate(func(next *snapshot) error {
		for _, e := range next.entries {
			if e.Item.Counting {
				return ErrCounting
			}
		}
		next.frozen = true
		return nil
	})
}

// Unfreeze re-enables edits.
func (s *Store) Unfreeze() {
	_ = s.mutate(func(next *snapshot) error {
		next.frozen = false
		return nil
	})
}

// Frozen reports whether edits are currently rejected.
func (s *Store) Frozen() bool { return s.load().frozen }

// Clear discards every item and document. Slot numbering continues.
func (s *Store) Clear() {
	_ = s.mutate(func(next *snapshot) error {
		next.entries = map[int]Entry{}
		next.frozen = false
		return nil
	})
}
