// Package flash owns firmware package intake and the block-transfer state
// machine that drives UDS download against one ECU.
package flash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcinbor85/gohex"
	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// Package is a stored firmware blob. Data holds the flat binary image; for
// Intel-HEX uploads the records are parsed and flattened at intake and
// Origin carries the declared base address.
type Package struct {
	ID        string
	Data      []byte
	Checksum  string
	Origin    uint32
	HasOrigin bool
	Status    sovd.PackageStatus
	CreatedAt time.Time
}

// PackageStore keeps uploaded packages in memory for the process lifetime.
type PackageStore struct {
	mu       sync.RWMutex
	packages map[string]*Package
}

// NewPackageStore creates an empty store.
func NewPackageStore() *PackageStore {
	return &PackageStore{packages: make(map[string]*Package)}
}

// Receive stores an uploaded blob and returns its package id. Intel-HEX
// payloads (every line starting with ':') are flattened to binary.
func (s *PackageStore) Receive(data []byte) (string, error) {
	if len(data) == 0 {
		return "", sovd.InvalidRequestf("empty package")
	}

	pkg := &Package{
		ID:        sovd.NewID(),
		Status:    sovd.PackagePending,
		CreatedAt: time.Now(),
	}

	if looksLikeIntelHex(data) {
		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(bytes.NewReader(data)); err != nil {
			return "", sovd.InvalidRequestf("invalid Intel HEX package: %v", err)
		}
		segments := mem.GetDataSegments()
		if len(segments) == 0 {
			return "", sovd.InvalidRequestf("Intel HEX package has no data")
		}
		// Flatten contiguously from the lowest segment; gaps are filled
		// with 0xFF like erased flash.
		sort.Slice(segments, func(i, j int) bool { return segments[i].Address < segments[j].Address })
		base := segments[0].Address
		last := segments[len(segments)-1]
		flat := make([]byte, last.Address+uint32(len(last.Data))-base)
		for i := range flat {
			flat[i] = 0xFF
		}
		for _, seg := range segments {
			copy(flat[seg.Address-base:], seg.Data)
		}
		pkg.Data = flat
		pkg.Origin = base
		pkg.HasOrigin = true
	} else {
		pkg.Data = append([]byte(nil), data...)
	}

	sum := sha256.Sum256(pkg.Data)
	pkg.Checksum = hex.EncodeToString(sum[:])

	s.mu.Lock()
	s.packages[pkg.ID] = pkg
	s.mu.Unlock()

	log.Infof("[flash] package %s received: %d bytes, sha256 %s", pkg.ID, len(pkg.Data), pkg.Checksum[:12])
	return pkg.ID, nil
}

func looksLikeIntelHex(data []byte) bool {
	if len(data) == 0 || data[0] != ':' {
		return false
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != ':' {
			return false
		}
	}
	return true
}

// Get returns a package by id.
func (s *PackageStore) Get(id string) (*Package, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.packages[id]
	return pkg, ok
}

// List returns package records sorted by creation time.
func (s *PackageStore) List() []sovd.PackageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sovd.PackageInfo, 0, len(s.packages))
	for _, pkg := range s.packages {
		out = append(out, pkg.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Info returns the external record for one package.
func (s *PackageStore) Info(id string) (sovd.PackageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.packages[id]
	if !ok {
		return sovd.PackageInfo{}, sovd.EntityNotFound(fmt.Sprintf("package %s", id))
	}
	return pkg.info(), nil
}

func (p *Package) info() sovd.PackageInfo {
	return sovd.PackageInfo{
		ID:        p.ID,
		Size:      len(p.Data),
		Checksum:  p.Checksum,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	}
}

// Verify recomputes the checksum and marks the package verified.
func (s *PackageStore) Verify(id string) (*sovd.VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.packages[id]
	if !ok {
		return nil, sovd.EntityNotFound(fmt.Sprintf("package %s", id))
	}

	sum := sha256.Sum256(pkg.Data)
	checksum := hex.EncodeToString(sum[:])
	valid := len(pkg.Data) > 0 && checksum == pkg.Checksum

	if valid {
		pkg.Status = sovd.PackageVerified
	} else {
		pkg.Status = sovd.PackageInvalid
	}

	result := &sovd.VerifyResult{
		Valid:     valid,
		Checksum:  checksum,
		Algorithm: "sha256",
	}
	if !valid {
		result.Error = "checksum mismatch"
	}
	log.Infof("[flash] package %s verified: valid=%v", id, valid)
	return result, nil
}

// Delete removes a package.
func (s *PackageStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[id]; !ok {
		return sovd.EntityNotFound(fmt.Sprintf("package %s", id))
	}
	delete(s.packages, id)
	log.Infof("[flash] package %s deleted", id)
	return nil
}
