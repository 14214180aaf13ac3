// Package audit implements the hash-chained audit trail from spec
// §4.11: every entry's hash covers its own fields plus the previous
// entry's hash, so a linear walk recomputing hashes detects any
// tampering or reordering within the retained window.
package audit

import (
	"sync"
	"time"

	"github.com/rajasatyajit/toolgate/pkg/utils"
)

// Entry is one admin/lifecycle event in the chain.
type Entry struct {
	ID           int64
	Timestamp    time.Time
	Action       string
	Actor        string
	Target       string
	Details      map[string]any
	PreviousHash string
	Hash         string
}

// hashable is the subset of Entry that the hash covers: everything
// except the computed Hash field itself.
type hashable struct {
	ID           int64
	Timestamp    time.Time
	Action       string
	Actor        string
	Target       string
	Details      map[string]any
	PreviousHash string
}

func computeHash(e Entry) (string, error) {
	canon, err := utils.CanonicalJSON(hashable{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		Action:       e.Action,
		Actor:        e.Actor,
		Target:       e.Target,
		Details:      e.Details,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	return utils.SHA256Hex(canon), nil
}

// genesisHash seeds the chain; the first entry's PreviousHash is this
// constant.
const genesisHash = "0"

// Trail is an append-only, hash-chained, eviction-bounded log.
type Trail struct {
	mu         sync.Mutex
	maxEntries int
	nextID     int64
	lastHash   string
	entries    []Entry
	now        func() time.Time
}

func New(maxEntries int) *Trail {
	return &Trail{maxEntries: maxEntries, lastHash: genesisHash, now: time.Now}
}

// Append adds an entry, chaining it to the previous entry's hash.
// Eviction at maxEntries drops the oldest entry — valid because each
// remaining entry's hash was computed, and the chain remains provably
// consistent, over the retained window.
func (t *Trail) Append(action, actor, target string, details map[string]any) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	e := Entry{
		ID:           t.nextID,
		Timestamp:    t.now(),
		Action:       action,
		Actor:        actor,
		Target:       target,
		Details:      details,
		PreviousHash: t.lastHash,
	}
	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash
	t.lastHash = hash

	t.entries = append(t.entries, e)
	if t.maxEntries > 0 && len(t.entries) > t.maxEntries {
		t.entries = t.entries[len(t.entries)-t.maxEntries:]
	}
	return e, nil
}

// Validate walks the retained window, recomputing each entry's hash
// and comparing it to the stored one, and checking that each entry's
// PreviousHash matches the prior entry's stored Hash. It returns the
// index of the first inconsistent entry, or -1 if the chain validates.
func (t *Trail) Validate() int {
	t.mu.Lock()
	entries := append([]Entry(nil), t.entries...)
	t.mu.Unlock()

	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return i
		}
		want, err := computeHash(e)
		if err != nil || want != e.Hash {
			return i
		}
	}
	return -1
}

// Filter narrows a Query to entries matching non-zero fields.
type Filter struct {
	Action string
	Actor  string
	Target string
	Since  time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Action != "" && f.Action != e.Action {
		return false
	}
	if f.Actor != "" && f.Actor != e.Actor {
		return false
	}
	if f.Target != "" && f.Target != e.Target {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Query returns entries matching filter, newest-first, paginated by
// offset/limit. A limit of 0 means unbounded.
func (t *Trail) Query(filter Filter, offset, limit int) []Entry {
	t.mu.Lock()
	entries := append([]Entry(nil), t.entries...)
	t.mu.Unlock()

	var matched []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if filter.matches(entries[i]) {
			matched = append(matched, entries[i])
		}
	}

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// Len reports the number of entries currently retained.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
