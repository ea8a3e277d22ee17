package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// CoinSet is the vocabulary of coin identifiers accepted from user input.
type CoinSet map[string]struct{}

// NewCoinSet lower-cases and de-duplicates ids, dropping blanks.
func NewCoinSet(ids ...string) CoinSet {
	set := make(CoinSet, len(ids))
	for _, id := range ids {
		id = normalizeCoinID(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (s CoinSet) Len() int { return len(s) }

func (s CoinSet) Contains(id string) bool {
	_, ok := s[normalizeCoinID(id)]
	return ok
}

// Validate checks name against the set. An empty set means the vocabulary is
// unknown, so validation is skipped rather than rejecting everything.
func (s CoinSet) Validate(name string) (ok bool, skipped bool) {
	if len(s) == 0 {
		return true, true
	}
	return s.Contains(name), false
}

func (s CoinSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s CoinSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *CoinSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewCoinSet(ids...)
	return nil
}

func normalizeCoinID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
