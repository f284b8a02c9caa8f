package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	keyDefaultVoice = "default-voice"
	prefixLanguage  = "lang:"
)

// BadgerOptions configures the on-disk preference store.
type BadgerOptions struct {
	// Dir holds the database files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Badger persists preferences in BadgerDB. Values are JSON encoded
// VoiceRefs keyed by "default-voice" and "lang:<tag>".
type Badger struct {
	db *badger.DB
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("preferences directory is required")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: log.With(slog.String("component", "prefs"))})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) LanguageVoice(_ context.Context, tag string) (VoiceRef, bool, error) {
	key, err := normalizeTag(tag)
	if err != nil {
		return VoiceRef{}, false, nil
	}
	return b.get(prefixLanguage + key)
}

func (b *Badger) DefaultVoice(context.Context) (VoiceRef, bool, error) {
	return b.get(keyDefaultVoice)
}

func (b *Badger) SetDefaultVoice(_ context.Context, ref VoiceRef) error {
	if err := ref.validate(); err != nil {
		return err
	}
	return b.set(keyDefaultVoice, ref)
}

func (b *Badger) ClearDefaultVoice(context.Context) error {
	return b.delete(keyDefaultVoice)
}

func (b *Badger) MapLanguage(_ context.Context, tag string, ref VoiceRef) error {
	key, err := normalizeTag(tag)
	if err != nil {
		return err
	}
	if err := ref.validate(); err != nil {
		return err
	}
	return b.set(prefixLanguage+key, ref)
}

func (b *Badger) UnmapLanguage(_ context.Context, tag string) error {
	key, err := normalizeTag(tag)
	if err != nil {
		return err
	}
	return b.delete(prefixLanguage + key)
}

func (b *Badger) Mappings(context.Context) (map[string]VoiceRef, error) {
	out := make(map[string]VoiceRef)
	prefix := []byte(prefixLanguage)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var ref VoiceRef
			if err := json.Unmarshal(val, &ref); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out[strings.TrimPrefix(string(item.Key()), prefixLanguage)] = ref
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) get(key string) (VoiceRef, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return VoiceRef{}, false, nil
	}
	if err != nil {
		return VoiceRef{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	var ref VoiceRef
	if err := json.Unmarshal(val, &ref); err != nil {
		return VoiceRef{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return ref, true, nil
}

func (b *Badger) set(key string, ref VoiceRef) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

func (b *Badger) delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// badgerLogger routes badger's warnings and errors to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
