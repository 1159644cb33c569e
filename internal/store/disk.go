package store

import (
	"github.com/dgraph-io/badger"

	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/topic"
)

var retainPrefix = []byte("ret/")

type diskStore struct {
	db *badger.DB
}

func NewDiskStore(dir string) (*diskStore, error) {
	opts := badger.DefaultOptions
	opts.Dir, opts.ValueDir = dir, dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &diskStore{db: db}, nil
}

func (s *diskStore) Close() error {
	return s.db.Close()
}

func retainKey(t string) []byte {
	key := make([]byte, 0, len(retainPrefix)+len(t))
	key = append(key, retainPrefix...)
	return append(key, t...)
}

// Value layout: QoS byte, then payload. The publisher is not kept.
func (s *diskStore) SetRetained(p model.Publish) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := retainKey(p.Topic)
		if len(p.Payload) == 0 {
			return txn.Delete(key)
		}

		val := make([]byte, 0, 1+len(p.Payload))
		val = append(val, p.QoS)
		val = append(val, p.Payload...)
		return txn.Set(key, val)
	})
}

func (s *diskStore) Retained(filter string, iter func(p model.Publish)) error {
	matched := make([]model.Publish, 0, 4)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(retainPrefix); it.ValidForPrefix(retainPrefix); it.Next() {
			item := it.Item()
			t := string(item.Key()[len(retainPrefix):])
			if !topic.Match(filter, t) {
				continue
			}

			val, err := item.Value()
			if err != nil {
				return err
			}
			if len(val) == 0 {
				continue
			}

			payload := make([]byte, len(val)-1)
			copy(payload, val[1:])
			matched = append(matched, model.Publish{Topic: t, Payload: payload, QoS: val[0], Retain: true})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range matched {
		iter(p)
	}
	return nil
}
