package store

import (
	"sync"

	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/topic"
)

type memStore struct {
	sync.RWMutex
	retained map[string]model.Publish // topic -> msg
}

func NewMemStore() *memStore {
	return &memStore{retained: make(map[string]model.Publish, 16)}
}

func (s *memStore) SetRetained(p model.Publish) error {
	s.Lock()
	if len(p.Payload) == 0 {
		delete(s.retained, p.Topic)
	} else {
		s.retained[p.Topic] = p
	}
	s.Unlock()
	return nil
}

func (s *memStore) Retained(filter string, iter func(p model.Publish)) error {
	s.RLock()
	matched := make([]model.Publish, 0, 4)
	for t, p := range s.retained {
		if topic.Match(filter, t) {
			matched = append(matched, p)
		}
	}
	s.RUnlock()

	for _, p := range matched {
		iter(p)
	}
	return nil
}

func (s *memStore) Close() error {
	return nil
}
