// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package symbols parses ELF symbol tables and translates a pid's
// instruction-pointer addresses, via its memory map, into
// (module, symbol, offset) triples. Parsed tables are cached on disk in a
// build-ID-keyed bbolt database so re-running against the same binary
// never re-parses it.
package symbols

import (
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/Jaso1024/poe/pkg/procfs"
)

var symbolCacheBucket = []byte("symtabs")

// Symbol is one entry of a parsed symbol table: a name and the file
// virtual address range it covers.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Resolved is the (module, symbol, offset) translation of one address.
type Resolved struct {
	Module string
	Symbol string
	Offset uint64
}

// Resolver resolves addresses against one pid's memory map, caching
// parsed symbol tables on disk by ELF build-ID.
type Resolver struct {
	mu    sync.Mutex
	cache *bolt.DB
	byBID map[string][]Symbol // in-memory hot cache, keyed by build-id
}

// NewResolver opens (creating if necessary) a bbolt cache at cachePath.
// An empty cachePath disables on-disk caching and keeps only the
// in-process hot cache.
func NewResolver(cachePath string) (*Resolver, error) {
	r := &Resolver{byBID: make(map[string][]Symbol)}
	if cachePath == "" {
		return r, nil
	}
	db, err := bolt.Open(cachePath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("symbols: open cache %s: %w", cachePath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(symbolCacheBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("symbols: init cache bucket: %w", err)
	}
	r.cache = db
	return r, nil
}

// Close releases the on-disk cache, if any.
func (r *Resolver) Close() error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Close()
}

// Resolve translates a raw instruction-pointer address through pid's
// memory map entries. It returns ok=false when no map entry covers addr
// (e.g. a JIT region or a race with exec).
func (r *Resolver) Resolve(maps []procfs.MapEntry, addr uint64) (Resolved, bool) {
	m, ok := findMap(maps, addr)
	if !ok || m.Pathname == "" || m.Pathname[0] == '[' {
		return Resolved{}, false
	}

	fileAddr := addr - m.StartAddr + m.Offset

	syms, err := r.symbolsFor(m.Pathname)
	if err != nil || len(syms) == 0 {
		return Resolved{Module: m.Pathname, Offset: fileAddr}, true
	}

	sym, off, ok := lookup(syms, fileAddr)
	if !ok {
		return Resolved{Module: m.Pathname, Offset: fileAddr}, true
	}
	return Resolved{Module: m.Pathname, Symbol: sym, Offset: off}, true
}

func findMap(maps []procfs.MapEntry, addr uint64) (procfs.MapEntry, bool) {
	for _, m := range maps {
		if addr >= m.StartAddr && addr < m.EndAddr {
			return m, true
		}
	}
	return procfs.MapEntry{}, false
}

func lookup(syms []Symbol, fileAddr uint64) (name string, offset uint64, ok bool) {
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Addr > fileAddr })
	if i == 0 {
		return "", 0, false
	}
	candidate := syms[i-1]
	if candidate.Size != 0 && fileAddr >= candidate.Addr+candidate.Size {
		return "", 0, false
	}
	return candidate.Name, fileAddr - candidate.Addr, true
}

// symbolsFor returns the sorted symbol table of path, using the on-disk
// build-ID cache when available.
func (r *Resolver) symbolsFor(path string) ([]Symbol, error) {
	buildID, err := readBuildID(path)
	if err == nil && buildID != "" {
		r.mu.Lock()
		if syms, ok := r.byBID[buildID]; ok {
			r.mu.Unlock()
			return syms, nil
		}
		r.mu.Unlock()

		if syms, ok := r.loadFromDisk(buildID); ok {
			r.mu.Lock()
			r.byBID[buildID] = syms
			r.mu.Unlock()
			return syms, nil
		}
	}

	syms, err := parseSymbols(path)
	if err != nil {
		return nil, err
	}

	if buildID != "" {
		r.mu.Lock()
		r.byBID[buildID] = syms
		r.mu.Unlock()
		r.storeToDisk(buildID, syms)
	}
	return syms, nil
}

func (r *Resolver) loadFromDisk(buildID string) ([]Symbol, bool) {
	if r.cache == nil {
		return nil, false
	}
	var syms []Symbol
	err := r.cache.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(symbolCacheBucket)
		raw := b.Get([]byte(buildID))
		if raw == nil {
			return nil
		}
		return msgpack.Unmarshal(raw, &syms)
	})
	if err != nil || syms == nil {
		return nil, false
	}
	return syms, true
}

func (r *Resolver) storeToDisk(buildID string, syms []Symbol) {
	if r.cache == nil {
		return
	}
	raw, err := msgpack.Marshal(syms)
	if err != nil {
		return
	}
	_ = r.cache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(symbolCacheBucket).Put([]byte(buildID), raw)
	})
}

// readBuildID extracts the GNU build-ID note, if present.
func readBuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", nil
	}
	data, err := sec.Data()
	if err != nil {
		return "", err
	}
	id, ok := parseBuildIDNote(data)
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%x", id), nil
}

// parseBuildIDNote parses an ELF note section looking for NT_GNU_BUILD_ID
// (type 3), per the note layout in the ELF spec: namesz, descsz, type,
// name (padded to 4 bytes), desc (padded to 4 bytes).
func parseBuildIDNote(data []byte) ([]byte, bool) {
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		noteType := le32(data[8:12])
		data = data[12:]

		nameSzPadded := align4(nameSz)
		if uint64(len(data)) < uint64(nameSzPadded) {
			return nil, false
		}
		data = data[nameSzPadded:]

		descSzPadded := align4(descSz)
		if uint64(len(data)) < uint64(descSzPadded) {
			return nil, false
		}
		desc := data[:descSz]
		data = data[descSzPadded:]

		if noteType == 3 {
			return append([]byte(nil), desc...), true
		}
	}
	return nil, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// parseSymbols reads .symtab (falling back to .dynsym) and returns
// function symbols sorted by address.
func parseSymbols(path string) ([]Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := f.Symbols()
	if err != nil || len(raw) == 0 {
		raw, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("symbols: read symbol table of %s: %w", path, err)
	}

	out := make([]Symbol, 0, len(raw))
	for _, s := range raw {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

