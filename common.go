package bxmlrs

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// frameworks/base/libs/androidfw/include/androidfw/ResourceTypes.h
const (
	chunkNull       = 0x0000
	chunkStringPool = 0x0001
	chunkTable      = 0x0002
	chunkXmlFile    = 0x0003

	chunkMaskXml        = 0x0100
	chunkXmlNsStart     = 0x0100
	chunkXmlNsEnd       = 0x0101
	chunkXmlTagStart    = 0x0102
	chunkXmlTagEnd      = 0x0103
	chunkXmlCdata       = 0x0104
	chunkXmlLast        = 0x017f
	chunkXmlResourceMap = 0x0180

	chunkTablePackage           = 0x0200
	chunkTableType              = 0x0201
	chunkTableTypeSpec          = 0x0202
	chunkTableLibrary           = 0x0203
	chunkTableOverlayable       = 0x0204
	chunkTableOverlayablePolicy = 0x0205
	chunkTableStagedAlias       = 0x0206

	chunkHeaderSize = (2 + 2 + 4)
)

// chunkHeader prefixes every chunk in both formats. headerLen and size are
// attacker-controlled, every consumer bounds its reads by the real buffer.
type chunkHeader struct {
	id        uint16
	headerLen uint16
	size      uint32
}

func readU8(data []byte, off int) (uint8, int, error) {
	if off < 0 || off+1 > len(data) {
		return 0, off, fmt.Errorf("%w: u8 at 0x%x, have 0x%x bytes", ErrBufferNotEnough, off, len(data))
	}
	return data[off], off + 1, nil
}

func readU16(data []byte, off int) (uint16, int, error) {
	if off < 0 || off+2 > len(data) {
		return 0, off, fmt.Errorf("%w: u16 at 0x%x, have 0x%x bytes", ErrBufferNotEnough, off, len(data))
	}
	return binary.LittleEndian.Uint16(data[off:]), off + 2, nil
}

func readU32(data []byte, off int) (uint32, int, error) {
	if off < 0 || off+4 > len(data) {
		return 0, off, fmt.Errorf("%w: u32 at 0x%x, have 0x%x bytes", ErrBufferNotEnough, off, len(data))
	}
	return binary.LittleEndian.Uint32(data[off:]), off + 4, nil
}

func parseChunkHeader(data []byte, off int) (chunkHeader, error) {
	var h chunkHeader
	var err error
	if h.id, off, err = readU16(data, off); err != nil {
		return h, fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}
	if h.headerLen, off, err = readU16(data, off); err != nil {
		return h, fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}
	if h.size, _, err = readU32(data, off); err != nil {
		return h, fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}
	return h, nil
}

// ResAttr is one binary XML attribute record.
type ResAttr struct {
	NamespaceIdx uint32
	NameIdx      uint32
	RawValueIdx  uint32
	Res          ResValue
}

// ResValue is a typed value as stored in both resources.arsc entries and
// binary XML attributes.
type ResValue struct {
	Size uint16
	Res0 uint8 // padding
	Type AttrType
	Data uint32
}

type AttrType uint8

const (
	AttrTypeNull             AttrType = 0x00
	AttrTypeReference        AttrType = 0x01
	AttrTypeAttribute        AttrType = 0x02
	AttrTypeString           AttrType = 0x03
	AttrTypeFloat            AttrType = 0x04
	AttrTypeDimension        AttrType = 0x05
	AttrTypeFraction         AttrType = 0x06
	AttrTypeDynamicReference AttrType = 0x07
	AttrTypeIntDec           AttrType = 0x10
	AttrTypeIntHex           AttrType = 0x11
	AttrTypeIntBool          AttrType = 0x12
)

const resValueSize = 8

func parseResValue(data []byte, off int) (ResValue, error) {
	var v ResValue
	var err error
	if v.Size, off, err = readU16(data, off); err != nil {
		return v, err
	}
	var typ uint8
	if v.Res0, off, err = readU8(data, off); err != nil {
		return v, err
	}
	if typ, off, err = readU8(data, off); err != nil {
		return v, err
	}
	v.Type = AttrType(typ)
	if v.Data, _, err = readU32(data, off); err != nil {
		return v, err
	}
	return v, nil
}

// String renders the value against the given string pool. The bool reports
// whether the value has a textual form at all; unsupported types
// (dimensions, fractions, colors) render as absent rather than failing.
func (v ResValue) String(pool *stringPool) (string, bool) {
	switch v.Type {
	case AttrTypeString:
		if pool == nil {
			return "", false
		}
		s, err := pool.get(v.Data)
		if err != nil {
			return "", false
		}
		return s, true
	case AttrTypeIntBool:
		return strconv.FormatBool(v.Data != 0), true
	case AttrTypeIntDec:
		return strconv.FormatUint(uint64(v.Data), 10), true
	case AttrTypeIntHex:
		return fmt.Sprintf("0x%x", v.Data), true
	case AttrTypeFloat:
		return fmt.Sprintf("%.2f", math.Float32frombits(v.Data)), true
	case AttrTypeReference:
		return fmt.Sprintf("%s%x", refPrefix, v.Data), true
	case AttrTypeAttribute:
		return fmt.Sprintf("@attr/0x%x", v.Data), true
	case AttrTypeDynamicReference:
		return fmt.Sprintf("@dyn/0x%x", v.Data), true
	default:
		return "", false
	}
}

// refPrefix is the textual form of an unresolved reference; the binary XML
// decoder chases values with this prefix through the resource table.
const refPrefix = "@res/0x"
