package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/InsulaLabs/synap/models"
	"github.com/dgraph-io/badger/v3"
)

/*
	Retained message log. Every published message lives here for its
	full TTL window, keyed so that one topic's messages sort by publish
	timestamp and never interleave with another topic's. The log is
	in-memory only; retention does not survive a process restart.
*/

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
}

// Log is the retained message log consulted for backlog replay.
type Log interface {
	// Append records a stamped message. The caller owns stamping;
	// appending the same (topic, timestamp) twice overwrites.
	Append(msg models.Message) error

	// MessagesSince returns all messages on the topic with
	// publish timestamp strictly after the cursor and not yet expired
	// at now, in publish order. Recomputed fresh on every call.
	MessagesSince(topic string, cursor time.Time, now time.Time) ([]models.Message, error)

	// LastPublished reports the newest publish timestamp recorded for
	// the topic, expired or not. ok is false when the topic has no
	// records at all.
	LastPublished(topic string) (last time.Time, ok bool, err error)

	// HasRetained reports whether the topic holds at least one message
	// that has not expired at now.
	HasRetained(topic string, now time.Time) (bool, error)

	// RetainedCount counts unexpired messages across all topics.
	RetainedCount(now time.Time) (int, error)

	// SweepExpired physically purges every expired record and returns
	// how many were removed.
	SweepExpired(now time.Time) (int, error)

	Close() error
}

const messagePrefix = "m:"

// Topic names are validated upstream to exclude NUL, so the NUL
// separator keeps "news" and "news2" from sharing a key prefix.
func topicPrefix(topic string) []byte {
	return []byte(messagePrefix + topic + "\x00")
}

func messageKey(topic string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d", messagePrefix, topic, ts.UnixNano()))
}

type messageLog struct {
	logger *slog.Logger
	db     *badger.DB
}

var _ Log = &messageLog{}

func New(config Config) (Log, error) {

	badgerLogLevel := badger.INFO
	if config.BadgerLogLevel == slog.LevelDebug {
		badgerLogLevel = badger.DEBUG
	} else if config.BadgerLogLevel == slog.LevelInfo {
		badgerLogLevel = badger.INFO
	} else if config.BadgerLogLevel == slog.LevelWarn {
		badgerLogLevel = badger.WARNING
	} else if config.BadgerLogLevel == slog.LevelError {
		badgerLogLevel = badger.ERROR
	} else {
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	dbOpts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(newLogger(config.Logger.WithGroup("badger"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &messageLog{
		logger: config.Logger.WithGroup("log"),
		db:     db,
	}, nil
}

func (l *messageLog) Close() error {
	if err := l.db.Close(); err != nil {
		l.logger.Error("error closing message log db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (l *messageLog) Append(msg models.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(msg.Topic, msg.PublishedAt), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (l *messageLog) MessagesSince(topic string, cursor time.Time, now time.Time) ([]models.Message, error) {
	var out []models.Message
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := topicPrefix(topic)
		// Stamps are strictly monotonic per topic, so seeking to
		// cursor+1ns lands exactly on the first eligible record.
		start := messageKey(topic, cursor.Add(time.Nanosecond))

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return &ErrCorruptRecord{Key: string(item.Key()), Reason: err.Error()}
			}
			if msg.Expired(now) {
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *messageLog) LastPublished(topic string) (time.Time, bool, error) {
	var last time.Time
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := topicPrefix(topic)
		// Reverse seek from just past the topic's keyspace; the first
		// valid key is the newest record.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		key := string(it.Item().Key())
		nanos, err := strconv.ParseInt(key[len(prefix):], 10, 64)
		if err != nil {
			return &ErrCorruptRecord{Key: key, Reason: "timestamp suffix is not numeric"}
		}
		last = time.Unix(0, nanos)
		found = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return last, found, nil
}

func (l *messageLog) HasRetained(topic string, now time.Time) (bool, error) {
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := topicPrefix(topic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return &ErrCorruptRecord{Key: string(it.Item().Key()), Reason: err.Error()}
			}
			if !msg.Expired(now) {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (l *messageLog) RetainedCount(now time.Time) (int, error) {
	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(messagePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return &ErrCorruptRecord{Key: string(it.Item().Key()), Reason: err.Error()}
			}
			if !msg.Expired(now) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (l *messageLog) SweepExpired(now time.Time) (int, error) {
	var expired [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(messagePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				// Undecodable records are dead weight; sweep them too.
				l.logger.Warn("Sweeping undecodable record", "key", string(item.Key()), "error", err)
				expired = append(expired, item.KeyCopy(nil))
				continue
			}
			if msg.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel() // Cancel if not committed

	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, &ErrInternal{Err: fmt.Errorf("failed to add delete for key '%s' to batch: %w", string(key), err)}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, &ErrInternal{Err: fmt.Errorf("failed to flush expiry sweep: %w", err)}
	}
	return len(expired), nil
}
