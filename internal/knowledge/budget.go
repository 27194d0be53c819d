package knowledge

import (
	"encoding/json"
	"sort"
)

// budget tracks the marshaled size of a response whose list field grows one
// element at a time. Each element costs its own JSON size plus a separating
// comma. The envelope is measured with the list empty and every flag false,
// which is never shorter than the final envelope.
type budget struct {
	limit     int
	used      int
	n         int
	truncated bool
}

func newBudget(limit int, envelope any) (*budget, error) {
	size, err := jsonSize(envelope)
	if err != nil {
		return nil, err
	}
	if size > limit {
		return nil, errBadCeiling
	}
	return &budget{limit: limit, used: size}, nil
}

func (b *budget) remaining() int {
	r := b.limit - b.used
	if b.n > 0 {
		r--
	}
	return r
}

func (b *budget) take(size int) bool {
	if size > b.remaining() {
		return false
	}
	if b.n > 0 {
		size++
	}
	b.used += size
	b.n++
	return true
}

// fitItem admits it as is when it fits. Otherwise the content is cut to
// the space left and the item is marked truncated; if not even the empty
// content form fits, nothing is admitted.
func (b *budget) fitItem(it Item) (Item, bool) {
	if size, err := jsonSize(it); err == nil && b.take(size) {
		return it, true
	}
	content := it.Content
	it.Content, it.Truncated = "", true
	base, err := jsonSize(it)
	if err != nil || base > b.remaining() {
		return Item{}, false
	}
	it.Content = fitString(content, b.remaining()-base)
	size, err := jsonSize(it)
	if err != nil || !b.take(size) {
		return Item{}, false
	}
	b.truncated = true
	return it, true
}

func (b *budget) fitModule(m Module) (Module, bool) {
	if size, err := jsonSize(m); err == nil && b.take(size) {
		return m, true
	}
	summary := m.Summary
	m.Summary, m.Truncated = "", true
	base, err := jsonSize(m)
	if err != nil || base > b.remaining() {
		return Module{}, false
	}
	m.Summary = fitString(summary, b.remaining()-base)
	size, err := jsonSize(m)
	if err != nil || !b.take(size) {
		return Module{}, false
	}
	b.truncated = true
	return m, true
}

// fitString returns the longest prefix of s, cut at a rune boundary, whose
// JSON-escaped form is at most room bytes longer than the empty string's.
// Escaping can grow a byte up to six times, so the cut is searched for.
func fitString(s string, room int) string {
	if room <= 0 {
		return ""
	}
	if escapedLen(s) <= room {
		return s
	}
	cuts := make([]int, 0, len(s))
	for i := range s {
		cuts = append(cuts, i)
	}
	// cuts[0] is the empty prefix and always fits.
	k := sort.Search(len(cuts), func(i int) bool {
		return escapedLen(s[:cuts[i]]) > room
	})
	return s[:cuts[k-1]]
}

func escapedLen(s string) int {
	enc, err := json.Marshal(s)
	if err != nil {
		return len(s) * 6
	}
	return len(enc) - 2
}
