package conv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrDefinitionMissing is returned by Encode for DIDs without a registered
// definition. Decode never fails this way — unknown DIDs decode to raw hex.
var ErrDefinitionMissing = errors.New("no definition registered for DID")

// Store is a concurrent DID → Definition mapping with a reverse index from
// semantic parameter ids. Reads run concurrently under the read lock;
// registration and removal are serialised and never expose partial updates.
type Store struct {
	mu          sync.RWMutex
	definitions map[uint16]*Definition
	nameIndex   map[string]uint16
	meta        StoreMeta
}

// StoreMeta is the metadata block of a definition file.
type StoreMeta struct {
	Name        string `yaml:"name,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// definitionFile is the YAML document shape for definition files.
type definitionFile struct {
	Meta *StoreMeta             `yaml:"meta"`
	DIDs map[string]*Definition `yaml:"dids"`
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		definitions: make(map[uint16]*Definition),
		nameIndex:   make(map[string]uint16),
	}
}

// LoadFile loads a YAML definition file into the store, merging with what is
// already registered.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.LoadYAML(data)
}

// LoadYAML merges definitions from a YAML document into the store.
func (s *Store) LoadYAML(data []byte) error {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse definition file: %w", err)
	}
	if file.Meta != nil {
		s.mu.Lock()
		s.meta = *file.Meta
		s.mu.Unlock()
	}
	for didStr, def := range file.DIDs {
		did, err := ParseDID(didStr)
		if err != nil {
			return fmt.Errorf("definition file: %w", err)
		}
		if def == nil {
			def = &Definition{}
		}
		s.Register(did, def)
	}
	return nil
}

// Register associates a definition with a DID, replacing any previous one.
func (s *Store) Register(did uint16, def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.definitions[did]; ok && old.ID != "" {
		delete(s.nameIndex, old.ID)
	}
	s.definitions[did] = def
	if def.ID != "" {
		s.nameIndex[def.ID] = did
	}
}

// Get returns the definition for a DID.
func (s *Store) Get(did uint16) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[did]
	return def, ok
}

// Remove deletes the definition for a DID and returns it.
func (s *Store) Remove(did uint16) (*Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[did]
	if !ok {
		return nil, false
	}
	delete(s.definitions, did)
	if def.ID != "" {
		delete(s.nameIndex, def.ID)
	}
	return def, true
}

// Clear removes every definition.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions = make(map[uint16]*Definition)
	s.nameIndex = make(map[string]uint16)
}

// Len returns the number of registered DIDs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.definitions)
}

// List returns the registered DIDs in ascending order.
func (s *Store) List() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dids := make([]uint16, 0, len(s.definitions))
	for did := range s.definitions {
		dids = append(dids, did)
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
	return dids
}

// Meta returns the file metadata loaded with the definitions.
func (s *Store) Meta() StoreMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Resolve looks up a DID by semantic parameter id or by numeric/hex string.
func (s *Store) Resolve(identifier string) (uint16, *Definition, bool) {
	s.mu.RLock()
	if did, ok := s.nameIndex[identifier]; ok {
		def := s.definitions[did]
		s.mu.RUnlock()
		return did, def, true
	}
	s.mu.RUnlock()

	did, err := ParseDID(identifier)
	if err != nil {
		return 0, nil, false
	}
	def, ok := s.Get(did)
	return did, def, ok
}

// Decode converts raw bytes for a DID. Unknown DIDs decode to the raw
// lowercase hex string rather than failing.
func (s *Store) Decode(did uint16, data []byte) (any, error) {
	def, ok := s.Get(did)
	if !ok {
		return hex.EncodeToString(data), nil
	}
	return Decode(def, data)
}

// Encode converts a structured value to raw bytes for a DID. Unknown DIDs
// fail with ErrDefinitionMissing.
func (s *Store) Encode(did uint16, value any) ([]byte, error) {
	def, ok := s.Get(did)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrDefinitionMissing, did)
	}
	return Encode(def, value)
}

// ParseDID parses a DID from decimal or hex notation. 0x-prefixed strings
// are always hex; bare digit strings are decimal; strings with hex letters
// ("F190") are hex, matching how DIDs are written in diagnostics.
func ParseDID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty DID")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid DID %q", s)
		}
		return uint16(v), nil
	}
	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v), nil
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid DID %q", s)
	}
	return uint16(v), nil
}
