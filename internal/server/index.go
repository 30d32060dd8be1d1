package server

import (
	lru "github.com/hashicorp/golang-lru"
)

// Index remembers confirmed (ceremony, invitee) pairs so repeated
// submissions of the same admission skip the database.
type Index struct {
	cache *lru.ARCCache
}

// NewIndex creates an index holding up to size entries.
func NewIndex(size int) (*Index, error) {
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &Index{cache: cache}, nil
}

func indexKey(ceremonyID, inviteeID string) string {
	return ceremonyID + "\x00" + inviteeID
}

// Get returns the client id stored for the pair.
func (i *Index) Get(ceremonyID, inviteeID string) (string, bool) {
	if i == nil {
		return "", false
	}
	v, ok := i.cache.Get(indexKey(ceremonyID, inviteeID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Add records the pair as confirmed under id.
func (i *Index) Add(ceremonyID, inviteeID, id string) {
	if i == nil {
		return
	}
	i.cache.Add(indexKey(ceremonyID, inviteeID), id)
}

// Len returns the number of cached pairs.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return i.cache.Len()
}
