// Copyright 2024-2026 Aiku AI

package cloner

import (
	"strings"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// Blacklist is a static set of senders that are never cloned.
type Blacklist map[platform.UserID]struct{}

func NewBlacklist(ids ...platform.UserID) Blacklist {
	b := make(Blacklist, len(ids))
	for _, id := range ids {
		b[id] = struct{}{}
	}
	return b
}

func (b Blacklist) Contains(id platform.UserID) bool {
	_, ok := b[id]
	return ok
}

// Replacement is a literal substring substitution.
type Replacement struct {
	From string
	To   string
}

// ReplacementTable is applied in order, one full pass per entry. Output of an
// earlier entry is visible to later entries but an entry is never re-applied
// to its own output.
type ReplacementTable []Replacement

func (rt ReplacementTable) Apply(text string) string {
	for _, r := range rt {
		if r.From == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.From, r.To)
	}
	return text
}
