package bxmlrs

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/ariqa-labs/bxmlrs/internal/logging"
)

const (
	stringFlagSorted = 0x00000001
	stringFlagUtf8   = 0x00000100

	// Matches the header layout: chunk header, then stringCount, styleCount,
	// flags, stringsStart, stylesStart.
	stringPoolHeaderSize = chunkHeaderSize + 5*4
)

// stringPool is a decoded STRING_POOL chunk. Entries are indexed by the
// references other chunks in the same file carry.
type stringPool struct {
	strings []string
}

func (p *stringPool) get(idx uint32) (string, error) {
	if idx == math.MaxUint32 {
		return "", nil
	}
	if p == nil || idx >= uint32(len(p.strings)) {
		return "", fmt.Errorf("string with idx %d not found", idx)
	}
	return p.strings[idx], nil
}

func (p *stringPool) size() int {
	if p == nil {
		return 0
	}
	return len(p.strings)
}

// parseStringPool decodes the STRING_POOL chunk starting at data[0]. The
// slice may extend past the chunk; reads are bounded by both the declared
// chunk size and the real buffer.
//
// Truncated or out-of-range string entries are not fatal: obfuscators prune
// trailing entries, and the strings decoded before the damage are still
// useful. The pool simply ends early.
func parseStringPool(data []byte, log logging.Logger) (*stringPool, error) {
	h, err := parseChunkHeader(data, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}
	if h.id != chunkStringPool {
		return nil, fmt.Errorf("%w: unexpected chunk id 0x%04x", ErrStringPoolHeader, h.id)
	}

	var stringCnt, styleCnt, flags, stringsStart, stylesStart uint32
	off := chunkHeaderSize
	if stringCnt, off, err = readU32(data, off); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}
	if styleCnt, off, err = readU32(data, off); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}
	if flags, off, err = readU32(data, off); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}
	if stringsStart, off, err = readU32(data, off); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}
	if stylesStart, _, err = readU32(data, off); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStringPoolHeader, err.Error())
	}

	if stringCnt >= 2*1024*1024 {
		return nil, fmt.Errorf("%w: too many strings (%d)", ErrStringPoolHeader, stringCnt)
	}

	isUtf8 := (flags & stringFlagUtf8) != 0

	limit := len(data)
	if cs := int(h.size); cs >= stringPoolHeaderSize && cs < limit {
		limit = cs
	}
	if int(stringsStart) > limit {
		return nil, fmt.Errorf("%w: strings start 0x%x beyond chunk end 0x%x", ErrStringPoolHeader, stringsStart, limit)
	}
	payload := data[stringsStart:limit]

	if styleCnt > 0 && int(stylesStart) > limit {
		log.Warnf("string pool: styles start 0x%x beyond chunk end 0x%x, ignoring styles", stylesStart, limit)
	}

	pool := &stringPool{strings: make([]string, 0, stringCnt)}
	offTable := stringPoolHeaderSize
	for i := uint32(0); i < stringCnt; i++ {
		var entryOff uint32
		if entryOff, offTable, err = readU32(data, offTable); err != nil {
			return nil, fmt.Errorf("%w: offset table entry %d: %s", ErrStringPool, i, err.Error())
		}
		if int(entryOff) >= len(payload) {
			log.Warnf("string pool: entry %d offset 0x%x beyond payload, keeping %d strings", i, entryOff, len(pool.strings))
			break
		}

		var s string
		var ok bool
		if isUtf8 {
			s, ok = decodeString8(payload[entryOff:])
		} else {
			s, ok = decodeString16(payload[entryOff:])
		}
		if !ok {
			log.Warnf("string pool: entry %d truncated, keeping %d strings", i, len(pool.strings))
			break
		}
		pool.strings = append(pool.strings, s)
	}

	return pool, nil
}

// decodeString8 reads a UTF-8 entry: one byte of UTF-16 length (unused), one
// byte of UTF-8 length, then the bytes. NUL terminates early, invalid
// sequences decode with replacement.
func decodeString8(buf []byte) (string, bool) {
	if len(buf) < 2 {
		return "", false
	}
	strLen := int(buf[1])
	buf = buf[2:]
	if len(buf) < strLen {
		return "", false
	}
	buf = buf[:strLen]
	for i, b := range buf {
		if b == 0 {
			buf = buf[:i]
			break
		}
	}
	return strings.ToValidUTF8(string(buf), "�"), true
}

// decodeString16 reads a UTF-16LE entry: one u16 of code-unit length, then
// the units. NUL terminates early.
func decodeString16(buf []byte) (string, bool) {
	if len(buf) < 2 {
		return "", false
	}
	strLen := int(uint16(buf[0]) | uint16(buf[1])<<8)
	buf = buf[2:]
	if len(buf) < 2*strLen {
		return "", false
	}
	units := make([]uint16, 0, strLen)
	for i := 0; i < strLen; i++ {
		u := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), true
}
