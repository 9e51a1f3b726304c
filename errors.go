package bxmlrs

import "errors"

// Decode failures wrap one of these sentinels so callers can classify them
// with errors.Is without matching message text. The split mirrors the two
// decoders: chunk/string-pool errors are shared, the second group (package,
// type and entry errors) comes from resources.arsc and the third group from
// the binary manifest.
var (
	ErrChunkHeader      = errors.New("bad chunk header")
	ErrStringPoolHeader = errors.New("bad string pool header")
	ErrStringPool       = errors.New("bad string pool")
	ErrBufferNotEnough  = errors.New("buffer not enough")

	ErrPackageHeader    = errors.New("bad package header")
	ErrTypeStrings      = errors.New("bad type strings pool")
	ErrKeyStrings       = errors.New("bad key strings pool")
	ErrTypeSpecHeader   = errors.New("bad type spec header")
	ErrTypeChunkHeader  = errors.New("bad type chunk header")
	ErrTypeChunkEntries = errors.New("bad type chunk entries")
	ErrTableEntry       = errors.New("bad table entry")

	ErrResourceMap    = errors.New("bad resource map")
	ErrStartNamespace = errors.New("bad start namespace")
	ErrEndNamespace   = errors.New("bad end namespace")
	ErrStartElement   = errors.New("bad start element")
	ErrAttribute      = errors.New("bad attribute")
	ErrBuildXml       = errors.New("failed to build xml")
)

// Some samples have manifest in plaintext, this is an error.
// 2c882a2376034ed401be082a42a21f0ac837689e7d3ab6be0afb82f44ca0b859
var ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")
