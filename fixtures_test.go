package bxmlrs

import (
	"encoding/binary"
	"unicode/utf16"
)

// binBuilder assembles little-endian test fixtures for the chunk decoders.
type binBuilder struct {
	buf []byte
}

func (b *binBuilder) u8(v uint8) *binBuilder {
	b.buf = append(b.buf, v)
	return b
}

func (b *binBuilder) u16(v uint16) *binBuilder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

func (b *binBuilder) u32(v uint32) *binBuilder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

func (b *binBuilder) raw(p []byte) *binBuilder {
	b.buf = append(b.buf, p...)
	return b
}

func (b *binBuilder) chunkHeader(id, headerLen uint16, size uint32) *binBuilder {
	return b.u16(id).u16(headerLen).u32(size)
}

// buildStringPool16 assembles a UTF-16 STRING_POOL chunk.
func buildStringPool16(strs []string) []byte {
	var offsets []uint32
	var data []byte
	for _, s := range strs {
		offsets = append(offsets, uint32(len(data)))
		units := utf16.Encode([]rune(s))
		data = binary.LittleEndian.AppendUint16(data, uint16(len(units)))
		for _, u := range units {
			data = binary.LittleEndian.AppendUint16(data, u)
		}
		data = binary.LittleEndian.AppendUint16(data, 0)
	}

	stringsStart := uint32(stringPoolHeaderSize + 4*len(strs))
	var b binBuilder
	b.chunkHeader(chunkStringPool, stringPoolHeaderSize, stringsStart+uint32(len(data)))
	b.u32(uint32(len(strs))) // string count
	b.u32(0)                 // style count
	b.u32(0)                 // flags: UTF-16
	b.u32(stringsStart)
	b.u32(0) // styles start
	for _, o := range offsets {
		b.u32(o)
	}
	b.raw(data)
	return b.buf
}

// buildStringPool8 assembles a UTF-8 STRING_POOL chunk.
func buildStringPool8(strs []string) []byte {
	var offsets []uint32
	var data []byte
	for _, s := range strs {
		offsets = append(offsets, uint32(len(data)))
		data = append(data, uint8(len(utf16.Encode([]rune(s)))), uint8(len(s)))
		data = append(data, s...)
		data = append(data, 0)
	}

	stringsStart := uint32(stringPoolHeaderSize + 4*len(strs))
	var b binBuilder
	b.chunkHeader(chunkStringPool, stringPoolHeaderSize, stringsStart+uint32(len(data)))
	b.u32(uint32(len(strs)))
	b.u32(0)
	b.u32(stringFlagUtf8)
	b.u32(stringsStart)
	b.u32(0)
	for _, o := range offsets {
		b.u32(o)
	}
	b.raw(data)
	return b.buf
}

// axmlAttr is one attribute record for buildAxml fixtures.
type axmlAttr struct {
	ns       uint32
	name     uint32
	rawValue uint32
	typ      AttrType
	data     uint32
}

func buildStartElement(name uint32, attrs []axmlAttr) []byte {
	size := uint32(16 + 20 + 20*len(attrs))
	var b binBuilder
	b.chunkHeader(chunkXmlTagStart, 16, size)
	b.u32(1)          // line number
	b.u32(0xFFFFFFFF) // comment
	b.u32(0xFFFFFFFF) // element namespace
	b.u32(name)
	b.u16(20) // attribute start
	b.u16(20) // attribute size
	b.u16(uint16(len(attrs)))
	b.u16(0).u16(0).u16(0) // id, class, style indexes
	for _, a := range attrs {
		b.u32(a.ns).u32(a.name).u32(a.rawValue)
		b.u16(resValueSize).u8(0).u8(uint8(a.typ)).u32(a.data)
	}
	return b.buf
}

func buildEndElement(name uint32) []byte {
	var b binBuilder
	b.chunkHeader(chunkXmlTagEnd, 16, 24)
	b.u32(1)          // line number
	b.u32(0xFFFFFFFF) // comment
	b.u32(0xFFFFFFFF) // namespace
	b.u32(name)
	return b.buf
}

func buildNamespace(id uint16, prefix, uri uint32) []byte {
	var b binBuilder
	b.chunkHeader(id, 16, 24)
	b.u32(1)          // line number
	b.u32(0xFFFFFFFF) // comment
	b.u32(prefix)
	b.u32(uri)
	return b.buf
}

func buildResourceMap(ids []uint32) []byte {
	var b binBuilder
	b.chunkHeader(chunkXmlResourceMap, chunkHeaderSize, uint32(chunkHeaderSize+4*len(ids)))
	for _, id := range ids {
		b.u32(id)
	}
	return b.buf
}

// buildAxml wraps the given inner chunks into an XML document chunk.
func buildAxml(chunks ...[]byte) []byte {
	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}
	var b binBuilder
	b.chunkHeader(chunkXmlFile, chunkHeaderSize, uint32(chunkHeaderSize+len(body)))
	b.raw(body)
	return b.buf
}

// arscEntry describes one resource entry for buildTypeChunk.
type arscEntry struct {
	hole    bool
	complex bool
	values  []ResValue // one for simple entries, the mapped values for complex
}

func simpleEntry(typ AttrType, data uint32) arscEntry {
	return arscEntry{values: []ResValue{{Size: resValueSize, Type: typ, Data: data}}}
}

func buildTypeChunk(typeID uint8, entries []arscEntry) []byte {
	const configSize = 16

	var entryData []byte
	offsets := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if e.hole {
			offsets = append(offsets, noEntry)
			continue
		}
		offsets = append(offsets, uint32(len(entryData)))

		var eb binBuilder
		if e.complex {
			eb.u16(16).u16(tableEntryComplex).u32(0) // entry size, flags, key index
			eb.u32(0)                                // parent
			eb.u32(uint32(len(e.values)))
			for i, v := range e.values {
				eb.u32(uint32(i + 1)) // mapping name
				eb.u16(v.Size).u8(0).u8(uint8(v.Type)).u32(v.Data)
			}
		} else {
			eb.u16(8).u16(0).u32(0)
			v := e.values[0]
			eb.u16(v.Size).u8(0).u8(uint8(v.Type)).u32(v.Data)
		}
		entryData = append(entryData, eb.buf...)
	}

	headerLen := uint16(chunkHeaderSize + 12 + configSize)
	entriesStart := uint32(headerLen) + uint32(4*len(entries))
	size := entriesStart + uint32(len(entryData))

	var b binBuilder
	b.chunkHeader(chunkTableType, headerLen, size)
	b.u8(typeID).u8(0).u16(0)
	b.u32(uint32(len(entries)))
	b.u32(entriesStart)
	b.u32(configSize)
	b.raw(make([]byte, configSize-4))
	for _, o := range offsets {
		b.u32(o)
	}
	b.raw(entryData)
	return b.buf
}

func buildTypeSpec(typeID uint8, masks []uint32) []byte {
	var b binBuilder
	b.chunkHeader(chunkTableTypeSpec, 16, uint32(16+4*len(masks)))
	b.u8(typeID).u8(0).u16(0)
	b.u32(uint32(len(masks)))
	for _, m := range masks {
		b.u32(m)
	}
	return b.buf
}

// buildPackage assembles a TABLE_PACKAGE chunk with nested type and key
// string pools followed by the given type-spec/type chunks.
func buildPackage(id uint32, name string, typeStrings, keyStrings []string, chunks ...[]byte) []byte {
	const pkgHeaderLen = 284 // chunk header + id + 128 utf16 name units + 4 offsets

	typePool := buildStringPool16(typeStrings)
	keyPool := buildStringPool16(keyStrings)

	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}

	size := uint32(pkgHeaderLen+len(typePool)+len(keyPool)) + uint32(len(body))

	var b binBuilder
	b.chunkHeader(chunkTablePackage, pkgHeaderLen, size)
	b.u32(id)
	units := utf16.Encode([]rune(name))
	for i := 0; i < 128; i++ {
		if i < len(units) {
			b.u16(units[i])
		} else {
			b.u16(0)
		}
	}
	b.u32(pkgHeaderLen)                       // type strings offset
	b.u32(uint32(len(typeStrings)))           // last public type
	b.u32(pkgHeaderLen + uint32(len(typePool))) // key strings offset
	b.u32(uint32(len(keyStrings)))            // last public key
	b.raw(typePool)
	b.raw(keyPool)
	b.raw(body)
	return b.buf
}

// buildArsc wraps the global value pool and package chunks into a TABLE.
func buildArsc(valuePool []byte, packages ...[]byte) []byte {
	var body []byte
	body = append(body, valuePool...)
	for _, p := range packages {
		body = append(body, p...)
	}

	var b binBuilder
	b.chunkHeader(chunkTable, 12, uint32(12+len(body)))
	b.u32(uint32(len(packages)))
	b.raw(body)
	return b.buf
}
