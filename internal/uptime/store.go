// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package uptime

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketState    = "state"
	bucketDowntime = "downtime"

	keyLastAlive = "last_alive"
)

// Interval is one recorded span of downtime.
type Interval struct {
	From time.Time `msgpack:"from"`
	To   time.Time `msgpack:"to"`
}

// Store persists the last-alive timestamp and the downtime history so
// uptime-based expiry keeps discounting downtime across restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the bbolt database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, oops.With("dir", dir).Wrapf(err, "failed to create state dir")
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "failed to open state db")
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketState, bucketDowntime} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return oops.With("bucket", name).Wrap(err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.Wrapf(err, "failed to close state db")
	}
	return nil
}

// LastAlive returns the most recent heartbeat, or ok=false when the
// store is fresh.
func (s *Store) LastAlive() (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketState)).Get([]byte(keyLastAlive))
		if raw == nil {
			return nil
		}
		if err := msgpack.Unmarshal(raw, &t); err != nil {
			return oops.Wrapf(err, "failed to decode last-alive timestamp")
		}
		ok = true
		return nil
	})
	return t, ok, err
}

// SetLastAlive records a heartbeat.
func (s *Store) SetLastAlive(t time.Time) error {
	data, err := msgpack.Marshal(t.UTC())
	if err != nil {
		return oops.Wrap(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketState)).Put([]byte(keyLastAlive), data)
	})
}

// AppendDowntime records one downtime interval, keyed by start time.
func (s *Store) AppendDowntime(from, to time.Time) error {
	entry := Interval{From: from.UTC(), To: to.UTC()}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(from.UnixNano()))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDowntime)).Put(key, data)
	})
}

// Downtimes returns the recorded intervals in start order.
func (s *Store) Downtimes() ([]Interval, error) {
	var out []Interval
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDowntime)).ForEach(func(_, v []byte) error {
			var entry Interval
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return oops.Wrapf(err, "failed to decode downtime interval")
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// Restore replays the persisted downtime history into the clock and,
// if a heartbeat exists, records the span since it as fresh downtime.
// It then stamps a new heartbeat.
func (s *Store) Restore(clock *Clock) error {
	intervals, err := s.Downtimes()
	if err != nil {
		return err
	}
	for _, iv := range intervals {
		if err := clock.RecordDowntime(iv.From, iv.To); err != nil {
			return err
		}
	}

	now := clock.Now()
	lastAlive, ok, err := s.LastAlive()
	if err != nil {
		return err
	}
	if ok && lastAlive.Before(now) {
		if err := clock.RecordDowntime(lastAlive, now); err != nil {
			return err
		}
		if err := s.AppendDowntime(lastAlive, now); err != nil {
			return err
		}
	}

	return s.SetLastAlive(now)
}

// Heartbeat stamps the last-alive timestamp every interval until the
// context is cancelled, then stamps once more on the way out.
func (s *Store) Heartbeat(ctx context.Context, clock *Clock, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.SetLastAlive(clock.Now())
		case <-ticker.C:
			if err := s.SetLastAlive(clock.Now()); err != nil {
				return err
			}
		}
	}
}
