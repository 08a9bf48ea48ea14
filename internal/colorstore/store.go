// Package colorstore holds the current color of each channel.
//
// State is in-memory and lives as long as the Store. A channel that was never
// advanced reads as DefaultColor and is not stored until its first Advance.
package colorstore

import (
	"sync"

	"github.com/R3E-Network/colorwheel/internal/color"
)

const (
	// DefaultColorHex is the color of every channel before its first Advance.
	DefaultColorHex = "#6441A4"

	// RotationStepDegrees is the hue step applied by Advance.
	RotationStepDegrees = 30
)

// DefaultColor is DefaultColorHex in HSL form.
var DefaultColor = color.MustParse(DefaultColorHex)

// Observer is called after each committed Advance with the channel and its new color.
//
// It runs while that channel's lock is held, so notifications for one channel
// arrive in commit order. Observers must not block and must not call back into
// the Store for the same channel.
type Observer func(channelID, hex string)

type entry struct {
	mu    sync.Mutex
	color color.Color
}

// Store maps channel ids to colors. Advance is atomic per channel; different
// channels only contend on the table lock during first insertion.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObsID uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		entries:   make(map[string]*entry),
		observers: make(map[uint64]Observer),
	}
}

// Advance rotates channelID's color by RotationStepDegrees, stores it and
// returns it as "#RRGGBB".
func (s *Store) Advance(channelID string) string {
	e := s.getOrCreate(channelID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.color = e.color.Rotate(RotationStepDegrees)
	hex := e.color.Hex()
	s.notify(channelID, hex)
	return hex
}

// Read returns channelID's color as "#RRGGBB" without modifying anything.
func (s *Store) Read(channelID string) string {
	s.mu.RLock()
	e, ok := s.entries[channelID]
	s.mu.RUnlock()
	if !ok {
		return DefaultColor.Hex()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.color.Hex()
}

// Len returns the number of channels that have been advanced at least once.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn for Advance notifications. The returned func removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) getOrCreate(channelID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[channelID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[channelID]; ok {
		return e
	}
	e = &entry{color: DefaultColor}
	s.entries[channelID] = e
	return e
}

func (s *Store) notify(channelID, hex string) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(channelID, hex)
	}
}
