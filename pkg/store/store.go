package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pebble "github.com/cockroachdb/pebble"
)

const (
	keyToken    = "session:token"
	keyLocation = "device:location"
	feedPrefix  = "feed:"
	defaultTTL  = 10 * time.Minute
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("store: not found")

// Location is the last known device position.
type Location struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

type feedEntry struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Data      json.RawMessage `json:"data"`
}

type Options struct {
	// FeedTTL bounds how long cached feed entries are served.
	FeedTTL time.Duration
	Now     func() time.Time
}

// Store is the client's local key-value store.
type Store struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (creating if needed) the store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if opts.FeedTTL <= 0 {
		opts.FeedTTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, ttl: opts.FeedTTL, now: opts.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveToken persists the session token.
func (s *Store) SaveToken(token string) error {
	return s.db.Set([]byte(keyToken), []byte(token), pebble.Sync)
}

// Token returns the persisted session token.
func (s *Store) Token() (string, error) {
	v, err := s.get(keyToken)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ClearToken removes the session token, e.g. on sign-out.
func (s *Store) ClearToken() error {
	return s.db.Delete([]byte(keyToken), pebble.Sync)
}

func (s *Store) SaveLocation(loc Location) error {
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = s.now().UTC()
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(keyLocation), b, pebble.Sync)
}

func (s *Store) LastLocation() (Location, error) {
	v, err := s.get(keyLocation)
	if err != nil {
		return Location{}, err
	}
	var loc Location
	if err := json.Unmarshal(v, &loc); err != nil {
		return Location{}, fmt.Errorf("decode location: %w", err)
	}
	return loc, nil
}

// PutFeed caches a JSON document under key for the feed TTL.
func (s *Store) PutFeed(key string, data json.RawMessage) error {
	b, err := json.Marshal(feedEntry{ExpiresAt: s.now().Add(s.ttl), Data: data})
	if err != nil {
		return err
	}
	// cache entries are rebuildable
	return s.db.Set([]byte(feedPrefix+key), b, pebble.NoSync)
}

// Feed returns a cached document. Expired entries read as missing and are
// deleted on the way out.
func (s *Store) Feed(key string) (json.RawMessage, error) {
	v, err := s.get(feedPrefix + key)
	if err != nil {
		return nil, err
	}
	var e feedEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("decode feed %s: %w", key, err)
	}
	if !s.now().Before(e.ExpiresAt) {
		_ = s.db.Delete([]byte(feedPrefix+key), pebble.NoSync)
		return nil, ErrNotFound
	}
	return e.Data, nil
}

// PurgeExpiredFeeds deletes every expired feed entry and returns how many
// were removed.
func (s *Store) PurgeExpiredFeeds() (int, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(feedPrefix),
		UpperBound: prefixEnd([]byte(feedPrefix)),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		var e feedEntry
		if err := json.Unmarshal(it.Value(), &e); err == nil && now.Before(e.ExpiresAt) {
			continue
		}
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
