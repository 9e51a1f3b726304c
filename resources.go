package bxmlrs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/ariqa-labs/bxmlrs/internal/logging"
)

// Logger receives decode diagnostics for the chunks the decoders skip
// instead of failing on. See internal/logging for ready-made implementations.
type Logger = logging.Logger

const (
	tableEntryComplex = 0x0001
	tableEntryPublic  = 0x0002
	tableEntryWeak    = 0x0004
	tableEntryCompact = 0x0008

	noEntry = 0xFFFFFFFF
)

// ResourceTable is a decoded resources.arsc: the global value string pool
// plus every package found in the table, queryable by resource id.
type ResourceTable struct {
	strings  *stringPool
	packages map[uint32]*Package
}

// Package is one TABLE_PACKAGE chunk: its symbolic name, the two nested
// string pools, and the resource values grouped per type chunk. A type id
// can repeat, once per device configuration; the order of appearance is kept.
type Package struct {
	ID   uint32
	Name string

	typeStrings *stringPool
	keyStrings  *stringPool
	specs       []typeSpec
	types       []typeChunk
}

// typeSpec carries the per-entry configuration bitmasks of a TABLE_SPEC
// chunk. Parsed for layout validation, not otherwise consulted.
type typeSpec struct {
	typeID     uint8
	entryFlags []uint32
}

// typeChunk is one TABLE_TYPE chunk. entries is indexed by entry id; a hole
// (offset 0xFFFFFFFF) is an empty list. A simple entry holds one value, a
// complex entry one value per name/value mapping.
type typeChunk struct {
	typeID  uint32
	entries [][]ResValue
}

// TypeStrings returns the package's type name pool ("attr", "string", ...).
func (p *Package) TypeStrings() []string {
	if p == nil || p.typeStrings == nil {
		return nil
	}
	return p.typeStrings.strings
}

// KeyStrings returns the package's resource entry name pool.
func (p *Package) KeyStrings() []string {
	if p == nil || p.keyStrings == nil {
		return nil
	}
	return p.keyStrings.strings
}

// Package returns the package with the given id, or nil.
func (rt *ResourceTable) Package(id uint32) *Package {
	if rt == nil {
		return nil
	}
	return rt.packages[id]
}

// ParseResourceTable decodes a whole resources.arsc stream.
func ParseResourceTable(r io.Reader) (*ResourceTable, error) {
	return ParseResourceTableWithLogger(r, logging.Nop())
}

// ParseResourceTableWithLogger is ParseResourceTable with skip diagnostics
// routed to log.
func ParseResourceTableWithLogger(r io.Reader, log Logger) (*ResourceTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}
	return parseResourceTableData(data, log)
}

func parseResourceTableData(data []byte, log Logger) (*ResourceTable, error) {
	if _, err := parseChunkHeader(data, 0); err != nil {
		return nil, err
	}
	// Android doesn't validate the outer chunk type, neither do we. The
	// package count that follows the header is informational only: the walk
	// below terminates on the byte bound, crafted tables lie in the count.
	if _, _, err := readU32(data, chunkHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}

	rt := &ResourceTable{packages: make(map[uint32]*Package)}

	off := chunkHeaderSize + 4
	for off+chunkHeaderSize <= len(data) {
		h, err := parseChunkHeader(data, off)
		if err != nil {
			return nil, err
		}

		switch h.id {
		case chunkStringPool:
			pool, err := parseStringPool(data[off:], log)
			if err != nil {
				return nil, fmt.Errorf("resource table value pool: %w", err)
			}
			rt.strings = pool
		case chunkTablePackage:
			pkg, err := parsePackage(data, off, h, log)
			if err != nil {
				return nil, err
			}
			rt.packages[pkg.ID] = pkg
		default:
			log.Warnf("resource table: skipping unknown chunk 0x%04x at 0x%x", h.id, off)
		}

		if h.size == 0 {
			log.Warnf("resource table: zero-sized chunk 0x%04x at 0x%x, stopping", h.id, off)
			break
		}
		off += int(h.size)
	}

	return rt, nil
}

// packageHeader is the fixed part of a TABLE_PACKAGE chunk past the chunk
// header. typeStrings and keyStrings are offsets from the package chunk
// start, not from the file start.
type packageHeader struct {
	Id             uint32
	Name           [128]uint16
	TypeStrings    uint32
	LastPublicType uint32
	KeyStrings     uint32
	LastPublicKey  uint32
}

func parsePackage(data []byte, off int, h chunkHeader, log Logger) (*Package, error) {
	var ph packageHeader
	if err := binary.Read(bytes.NewReader(data[off+chunkHeaderSize:]), binary.LittleEndian, &ph); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageHeader, err.Error())
	}

	pkg := &Package{
		ID:   ph.Id,
		Name: decodePackageName(ph.Name[:]),
	}

	typeOff := off + int(ph.TypeStrings)
	th, err := parseChunkHeader(data, typeOff)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeStrings, err.Error())
	}
	if pkg.typeStrings, err = parseStringPool(data[typeOff:], log); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeStrings, err.Error())
	}

	keyOff := off + int(ph.KeyStrings)
	kh, err := parseChunkHeader(data, keyOff)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyStrings, err.Error())
	}
	if pkg.keyStrings, err = parseStringPool(data[keyOff:], log); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyStrings, err.Error())
	}

	pkgEnd := off + int(h.size)
	if pkgEnd > len(data) {
		pkgEnd = len(data)
	}

	subOff := off + int(h.headerLen) + int(th.size) + int(kh.size)
	for subOff+chunkHeaderSize <= pkgEnd {
		ch, err := parseChunkHeader(data, subOff)
		if err != nil {
			return nil, err
		}

		switch ch.id {
		case chunkTableTypeSpec:
			spec, err := parseTypeSpec(data, subOff, ch, pkgEnd)
			if err != nil {
				return nil, err
			}
			pkg.specs = append(pkg.specs, spec)
		case chunkTableType:
			tc, err := parseTypeChunk(data, subOff, ch, log)
			if err != nil {
				return nil, err
			}
			if tc != nil {
				pkg.types = append(pkg.types, *tc)
			}
		case chunkTableLibrary, chunkTableOverlayable, chunkTableOverlayablePolicy, chunkTableStagedAlias:
			log.Warnf("package %q: skipping unsupported table chunk 0x%04x at 0x%x", pkg.Name, ch.id, subOff)
		default:
			log.Warnf("package %q: skipping unknown table chunk 0x%04x at 0x%x", pkg.Name, ch.id, subOff)
		}

		if ch.size == 0 {
			log.Warnf("package %q: zero-sized chunk 0x%04x at 0x%x, stopping", pkg.Name, ch.id, subOff)
			break
		}
		if int(ch.size) >= pkgEnd-subOff {
			break
		}
		subOff += int(ch.size)
	}

	return pkg, nil
}

// decodePackageName converts the fixed 128-unit UTF-16 name field, which is
// NUL terminated within its declared width.
func decodePackageName(units []uint16) string {
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func parseTypeSpec(data []byte, off int, h chunkHeader, bound int) (typeSpec, error) {
	var spec typeSpec
	tid, _, err := readU8(data, off+chunkHeaderSize)
	if err != nil {
		return spec, fmt.Errorf("%w: %s", ErrTypeSpecHeader, err.Error())
	}
	entryCount, pos, err := readU32(data, off+chunkHeaderSize+4)
	if err != nil {
		return spec, fmt.Errorf("%w: %s", ErrTypeSpecHeader, err.Error())
	}
	if pos+4*int(entryCount) > bound {
		return spec, fmt.Errorf("%w: %d config masks do not fit in chunk at 0x%x", ErrTypeSpecHeader, entryCount, off)
	}

	spec.typeID = tid
	spec.entryFlags = make([]uint32, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		var mask uint32
		if mask, pos, err = readU32(data, pos); err != nil {
			return spec, fmt.Errorf("%w: %s", ErrTypeSpecHeader, err.Error())
		}
		spec.entryFlags = append(spec.entryFlags, mask)
	}
	return spec, nil
}

// parseTypeChunk decodes one TABLE_TYPE chunk. Returns (nil, nil) for the
// invalid-but-observed type id 0, which is diagnosed and skipped.
func parseTypeChunk(data []byte, off int, h chunkHeader, log Logger) (*typeChunk, error) {
	end := off + int(h.size)
	if end > len(data) {
		end = len(data)
	}
	chunk := data[off:end]

	tid, _, err := readU8(chunk, chunkHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeChunkHeader, err.Error())
	}
	entryCount, _, err := readU32(chunk, chunkHeaderSize+4)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeChunkHeader, err.Error())
	}
	entriesStart, _, err := readU32(chunk, chunkHeaderSize+8)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeChunkHeader, err.Error())
	}
	// The device configuration is self-sized and opaque here; selecting
	// resources by configuration is out of scope.
	configSize, _, err := readU32(chunk, chunkHeaderSize+12)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeChunkHeader, err.Error())
	}
	if configSize < 4 {
		return nil, fmt.Errorf("%w: config size %d", ErrTypeChunkHeader, configSize)
	}

	// Type IDs start at 1, matching the type bits of a resource id.
	if tid == 0 {
		log.Warnf("type chunk at 0x%x: invalid type id 0, skipping", off)
		return nil, nil
	}

	offsetsOff := chunkHeaderSize + 12 + int(configSize)
	if offsetsOff+4*int(entryCount) > len(chunk) {
		return nil, fmt.Errorf("%w: %d entry offsets do not fit in chunk of 0x%x bytes", ErrTypeChunkEntries, entryCount, len(chunk))
	}
	entries := make([][]ResValue, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		var entryOff uint32
		if entryOff, offsetsOff, err = readU32(chunk, offsetsOff); err != nil {
			return nil, fmt.Errorf("%w: offset %d of %d: %s", ErrTypeChunkEntries, i, entryCount, err.Error())
		}
		if entryOff == noEntry {
			entries = append(entries, nil)
			continue
		}

		values, err := parseTableEntry(chunk, int(entriesStart)+int(entryOff))
		if err != nil {
			return nil, err
		}
		entries = append(entries, values)
	}

	return &typeChunk{typeID: uint32(tid), entries: entries}, nil
}

func parseTableEntry(chunk []byte, pos int) ([]ResValue, error) {
	flags, _, err := readU16(chunk, pos+2)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
	}
	if _, _, err := readU32(chunk, pos+4); err != nil { // key string index
		return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
	}
	pos += 8

	if flags&tableEntryComplex == 0 {
		v, err := parseResValue(chunk, pos)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
		}
		return []ResValue{v}, nil
	}

	// Complex entry: a parent reference, then count name/value mappings.
	count, pos, err := readU32(chunk, pos+4)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
	}
	if pos+12*int(count) > len(chunk) {
		return nil, fmt.Errorf("%w: %d mappings do not fit in chunk of 0x%x bytes", ErrTableEntry, count, len(chunk))
	}
	values := make([]ResValue, 0, count)
	for j := uint32(0); j < count; j++ {
		if _, pos, err = readU32(chunk, pos); err != nil { // mapping name
			return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
		}
		v, err := parseResValue(chunk, pos)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTableEntry, err.Error())
		}
		pos += resValueSize
		values = append(values, v)
	}
	return values, nil
}

// Resolve looks up a resource id (package 8 bits, type 8 bits, entry 16
// bits) and returns its first displayable value. When several type chunks
// define the same (type, entry) pair for different configurations, the first
// one decoded wins. The returned string may itself be a reference
// ("@res/0x..."); chasing those is the caller's job.
func (rt *ResourceTable) Resolve(resID uint32) (string, bool) {
	if rt == nil {
		return "", false
	}
	pkg := rt.packages[resID>>24]
	if pkg == nil {
		return "", false
	}
	typeID := (resID >> 16) & 0xFF
	entry := int(resID & 0xFFFF)

	for _, tc := range pkg.types {
		if tc.typeID != typeID || entry >= len(tc.entries) {
			continue
		}
		for _, v := range tc.entries[entry] {
			if s, ok := v.String(rt.strings); ok {
				return s, true
			}
		}
	}
	return "", false
}
