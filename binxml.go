package bxmlrs

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ariqa-labs/bxmlrs/internal/logging"
)

// Rendered when a chunk references a string index the pool does not have.
const unknownString = "UNKNOWN"

// maxRefResolves bounds how many times a reference value is substituted
// through the resource table. References can form cycles in crafted files.
const maxRefResolves = 4

type binxmlParseInfo struct {
	strings     *stringPool
	resourceIds []uint32

	encoder ManifestEncoder
	res     *ResourceTable
	log     Logger
}

// xmlAttrExt is the element extension of an XML_START_ELEMENT chunk.
// attributeSize is the stride to the next attribute record and is trusted
// even past the nominal record size, newer platforms append fields.
type xmlAttrExt struct {
	ns             uint32
	name           uint32
	attributeStart uint16
	attributeSize  uint16
	attributeCount uint16
	idIndex        uint16
	classIndex     uint16
	styleIndex     uint16
}

// ParseXml decodes a binary AndroidManifest.xml stream into XML events on
// enc. The resource table is optional and can be nil; reference values then
// keep their "@res/0x..." textual form.
func ParseXml(r io.Reader, enc ManifestEncoder, resources *ResourceTable) error {
	return ParseXmlWithLogger(r, enc, resources, logging.Nop())
}

// ParseXmlWithLogger is ParseXml with skip diagnostics routed to log.
func ParseXmlWithLogger(r io.Reader, enc ManifestEncoder, resources *ResourceTable, log Logger) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrChunkHeader, err.Error())
	}

	if bytes.HasPrefix(data, []byte("<?xml ")) || bytes.HasPrefix(data, []byte("<manif")) {
		return ErrPlainTextManifest
	}

	x := binxmlParseInfo{
		encoder: enc,
		res:     resources,
		log:     log,
	}
	return x.parse(data)
}

func (x *binxmlParseInfo) parse(data []byte) error {
	h, err := parseChunkHeader(data, 0)
	if err != nil {
		return err
	}
	// Android doesn't care about the outer chunk type, so neither do we.
	if h.id != chunkXmlFile {
		x.log.Warnf("binary xml: unexpected outer chunk type 0x%04x, continuing", h.id)
	}

	if err := x.encoder.EncodeToken(xml.ProcInst{
		Target: "xml",
		Inst:   []byte(`version="1.0" encoding="utf-8"`),
	}); err != nil {
		return fmt.Errorf("%w: %s", ErrBuildXml, err.Error())
	}

	var lastId uint16
	off := chunkHeaderSize
loop:
	for off+chunkHeaderSize <= len(data) {
		h, err = parseChunkHeader(data, off)
		if err != nil {
			return fmt.Errorf("error parsing header at 0x%08x after chunk %04x: %s", off, lastId, err.Error())
		}
		lastId = h.id

		switch h.id {
		case chunkStringPool:
			x.strings, err = parseStringPool(data[off:], x.log)
		case chunkXmlResourceMap:
			err = x.parseResourceIds(data, off, h)
		case chunkXmlNsStart:
			err = x.parseNsStart(data, off)
		case chunkXmlNsEnd:
			// Manifests carry a single namespace scope, its end is the end
			// of the document.
			break loop
		case chunkXmlTagStart:
			err = x.parseTagStart(data, off)
		case chunkXmlTagEnd:
			err = x.parseTagEnd(data, off)
		case chunkXmlCdata:
			// ignored
		default:
			// No safe way to resynchronize past a chunk we don't know.
			x.log.Warnf("binary xml: unknown chunk 0x%04x at 0x%x, stopping", h.id, off)
			break loop
		}

		if err != nil {
			return fmt.Errorf("chunk 0x%04x: %w", h.id, err)
		}
		if h.size == 0 {
			x.log.Warnf("binary xml: zero-sized chunk 0x%04x at 0x%x, stopping", h.id, off)
			break
		}
		off += int(h.size)
	}

	if err := x.encoder.Flush(); err != nil {
		return fmt.Errorf("%w: %s", ErrBuildXml, err.Error())
	}
	return nil
}

// getString is the lenient lookup for element names: indices
// the pool does not have render as a placeholder instead of failing.
func (x *binxmlParseInfo) getString(idx uint32) string {
	s, err := x.strings.get(idx)
	if err != nil {
		return unknownString
	}
	return s
}

func (x *binxmlParseInfo) parseResourceIds(data []byte, off int, h chunkHeader) error {
	if h.size < uint32(h.headerLen) || (h.size-uint32(h.headerLen))%4 != 0 {
		return fmt.Errorf("%w: invalid chunk size 0x%x", ErrResourceMap, h.size)
	}
	count := (h.size - uint32(h.headerLen)) / 4

	pos := off + int(h.headerLen)
	var err error
	var id uint32
	for i := uint32(0); i < count; i++ {
		if id, pos, err = readU32(data, pos); err != nil {
			return fmt.Errorf("%w: %s", ErrResourceMap, err.Error())
		}
		x.resourceIds = append(x.resourceIds, id)
	}
	return nil
}

func (x *binxmlParseInfo) parseNsStart(data []byte, off int) error {
	// skip line number and comment
	pos := off + chunkHeaderSize + 2*4

	prefix, pos, err := readU32(data, pos)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStartNamespace, err.Error())
	}
	uri, _, err := readU32(data, pos)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStartNamespace, err.Error())
	}

	// Read for bounds checking only and not kept; attributes are emitted
	// unqualified.
	_, _ = prefix, uri
	return nil
}

func (x *binxmlParseInfo) parseTagStart(data []byte, off int) error {
	extOff := off + chunkHeaderSize + 2*4 // skip line number and comment

	var ext xmlAttrExt
	var err error
	pos := extOff
	if ext.ns, pos, err = readU32(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.name, pos, err = readU32(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.attributeStart, pos, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.attributeSize, pos, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.attributeCount, pos, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.idIndex, pos, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.classIndex, pos, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	if ext.styleIndex, _, err = readU16(data, pos); err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}

	tok := xml.StartElement{
		Name: xml.Name{Local: x.getString(ext.name)},
	}

	stride := int(ext.attributeSize)
	for i := 0; i < int(ext.attributeCount); i++ {
		attrOff := extOff + int(ext.attributeStart) + i*stride
		attr, err := parseAttribute(data, attrOff)
		if err != nil {
			return err
		}

		// Android reads manifest attributes by their resource IDs, not by
		// name. Obfuscators exploit that and garble the string pool entry,
		// so the id table wins when it knows the attribute.
		var attrName string
		if attr.NameIdx < uint32(len(x.resourceIds)) {
			attrName = getAttributteName(x.resourceIds[attr.NameIdx])
		}
		if attrName == "" {
			var nameErr error
			attrName, nameErr = x.strings.get(attr.NameIdx)
			if nameErr != nil || attrName == "" {
				x.log.Debugf("binary xml: dropping attribute with unresolvable name idx %d", attr.NameIdx)
				continue
			}
		}

		value, ok := attr.Res.String(x.strings)
		if !ok {
			x.log.Debugf("binary xml: dropping attribute %q with untextual value type 0x%02x", attrName, uint8(attr.Res.Type))
			continue
		}
		value = x.resolveReferences(value)

		tok.Attr = append(tok.Attr, xml.Attr{
			Name:  xml.Name{Local: attrName},
			Value: value,
		})
	}

	if err := x.encoder.EncodeToken(tok); err != nil {
		return fmt.Errorf("%w: %s", ErrBuildXml, err.Error())
	}
	return nil
}

func parseAttribute(data []byte, off int) (ResAttr, error) {
	var a ResAttr
	var err error
	pos := off
	if a.NamespaceIdx, pos, err = readU32(data, pos); err != nil {
		return a, fmt.Errorf("%w: %s", ErrAttribute, err.Error())
	}
	if a.NameIdx, pos, err = readU32(data, pos); err != nil {
		return a, fmt.Errorf("%w: %s", ErrAttribute, err.Error())
	}
	if a.RawValueIdx, pos, err = readU32(data, pos); err != nil {
		return a, fmt.Errorf("%w: %s", ErrAttribute, err.Error())
	}
	if a.Res, err = parseResValue(data, pos); err != nil {
		return a, fmt.Errorf("%w: %s", ErrAttribute, err.Error())
	}
	return a, nil
}

// resolveReferences chases "@res/0x..." values through the resource table.
// A resolved value can be a reference again, so substitution repeats, but
// only maxRefResolves times: crafted tables contain reference cycles.
func (x *binxmlParseInfo) resolveReferences(value string) string {
	if x.res == nil {
		return value
	}
	for i := 0; i < maxRefResolves; i++ {
		if !strings.HasPrefix(value, refPrefix) {
			break
		}
		resID, err := strconv.ParseUint(value[len(refPrefix):], 16, 32)
		if err != nil {
			break
		}
		resolved, ok := x.res.Resolve(uint32(resID))
		if !ok {
			break
		}
		value = resolved
	}
	return value
}

func (x *binxmlParseInfo) parseTagEnd(data []byte, off int) error {
	pos := off + chunkHeaderSize + 2*4 // skip line number and comment

	_, pos, err := readU32(data, pos) // namespace
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}
	name, _, err := readU32(data, pos)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStartElement, err.Error())
	}

	tok := xml.EndElement{Name: xml.Name{Local: x.getString(name)}}
	if err := x.encoder.EncodeToken(tok); err != nil {
		return fmt.Errorf("%w: %s", ErrBuildXml, err.Error())
	}
	return nil
}
