// Package store keeps retained messages.
package store

import "github.com/raptorbox/raptor-broker/internal/model"

// Store keeps the last retained message per topic.
type Store interface {
	// SetRetained stores p as the retained message of its topic.
	// An empty payload removes the retained message. [MQTT-3.3.1-10]
	SetRetained(p model.Publish) error

	// Retained calls iter for each retained message matching topic filter.
	Retained(filter string, iter func(p model.Publish)) error

	Close() error
}

// New returns a disk store in dir, or a memory store if dir is empty.
func New(dir string) (Store, error) {
	if dir == "" {
		return NewMemStore(), nil
	}
	return NewDiskStore(dir)
}
