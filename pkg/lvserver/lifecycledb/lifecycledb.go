// Small bbolt store for things that must outlive a single process: device
// lifecycle events, GDC counter snapshots and the unmount attempt ledger.
package lifecycledb

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/function61/levyvahti/pkg/gdc"
	"github.com/function61/levyvahti/pkg/lvtypes"
	bolt "go.etcd.io/bbolt"
)

const (
	EventDiscovered     = "discovered"
	EventVanished       = "vanished"
	EventGdcTransition  = "gdc_transition"
	EventStuckScan      = "stuck_scan"
	EventUnmountAttempt = "unmount_attempt"

	eventsPerIdentity = 200
)

var (
	eventsBucket   = []byte("events")
	gdcBucket      = []byte("gdc")
	unmountsBucket = []byte("unmount_attempts")
)

type Event struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	OsName  string    `json:"os_name,omitempty"`
	Message string    `json:"message"`
}

type UnmountAttempt struct {
	Time       time.Time `json:"time"`
	Mountpoint string    `json:"mountpoint,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	Detail     string    `json:"detail"`
}

type Store struct {
	db *bolt.DB
}

func Open(location string) (*Store, error) {
	db, err := bolt.Open(location, 0700, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, gdcBucket, unmountsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendEvent(identity lvtypes.DeviceIdentity, event Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		perIdentity, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(identity.Key()))
		if err != nil {
			return err
		}

		seq, err := perIdentity.NextSequence()
		if err != nil {
			return err
		}

		serialized, err := json.Marshal(event)
		if err != nil {
			return err
		}

		if err := perIdentity.Put(sequenceKey(seq), serialized); err != nil {
			return err
		}

		// bounded ring: drop the oldest beyond the cap
		count := 0
		cursor := perIdentity.Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			count++
		}

		for count > eventsPerIdentity {
			oldest, _ := perIdentity.Cursor().First()
			if oldest == nil {
				break
			}
			if err := perIdentity.Delete(oldest); err != nil {
				return err
			}
			count--
		}

		return nil
	})
}

func (s *Store) Events(identity lvtypes.DeviceIdentity) ([]Event, error) {
	return s.EventsByKey(identity.Key())
}

// for callers that only have the sanitized identity key (e.g. a REST path of
// an already-evicted device)
func (s *Store) EventsByKey(key string) ([]Event, error) {
	events := []Event{}

	if err := s.db.View(func(tx *bolt.Tx) error {
		perIdentity := tx.Bucket(eventsBucket).Bucket([]byte(key))
		if perIdentity == nil {
			return nil
		}

		return perIdentity.ForEach(func(_ []byte, value []byte) error {
			event := Event{}
			if err := json.Unmarshal(value, &event); err != nil {
				return err
			}

			events = append(events, event)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return events, nil
}

func (s *Store) SaveGdcSnapshot(identity lvtypes.DeviceIdentity, snapshot gdc.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		serialized, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}

		return tx.Bucket(gdcBucket).Put([]byte(identity.Key()), serialized)
	})
}

func (s *Store) GdcSnapshot(identity lvtypes.DeviceIdentity) (*gdc.Snapshot, error) {
	var snapshot *gdc.Snapshot

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(gdcBucket).Get([]byte(identity.Key()))
		if value == nil {
			return nil
		}

		snapshot = &gdc.Snapshot{}
		return json.Unmarshal(value, snapshot)
	}); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (s *Store) RecordUnmountAttempt(identity lvtypes.DeviceIdentity, attempt UnmountAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		serialized, err := json.Marshal(attempt)
		if err != nil {
			return err
		}

		return tx.Bucket(unmountsBucket).Put([]byte(identity.Key()), serialized)
	})
}

func (s *Store) LastUnmountAttempt(identity lvtypes.DeviceIdentity) (*UnmountAttempt, error) {
	var attempt *UnmountAttempt

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(unmountsBucket).Get([]byte(identity.Key()))
		if value == nil {
			return nil
		}

		attempt = &UnmountAttempt{}
		return json.Unmarshal(value, attempt)
	}); err != nil {
		return nil, err
	}

	return attempt, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
