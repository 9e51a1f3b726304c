package bxmlrs

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"testing"
)

const (
	strPackage = iota
	strVersionCode
	strMinSdkVersion
	strTargetSdkVersion
	strLabel
	strManifest
	strUsesSdk
	strApplication
	strPackageValue
	strAndroid
	strAndroidNsUri
)

var manifestStrings = []string{
	"package",
	"versionCode",
	"minSdkVersion",
	"targetSdkVersion",
	"label",
	"manifest",
	"uses-sdk",
	"application",
	"com.example.app",
	"android",
	"http://schemas.android.com/apk/res/android",
}

var manifestResourceIds = []uint32{
	0,          // "package" has no framework id, the string pool names it
	0x0101021b, // versionCode
	0x0101020c, // minSdkVersion
	0x01010270, // targetSdkVersion
	0x01010001, // label
}

func buildTestManifest(labelValue ResValue) []byte {
	return buildAxml(
		buildStringPool16(manifestStrings),
		buildResourceMap(manifestResourceIds),
		buildNamespace(chunkXmlNsStart, strAndroid, strAndroidNsUri),
		buildStartElement(strManifest, []axmlAttr{
			{ns: 0xFFFFFFFF, name: strPackage, rawValue: strPackageValue, typ: AttrTypeString, data: strPackageValue},
			{ns: strAndroidNsUri, name: strVersionCode, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 1},
		}),
		buildStartElement(strUsesSdk, []axmlAttr{
			{ns: strAndroidNsUri, name: strMinSdkVersion, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 21},
			{ns: strAndroidNsUri, name: strTargetSdkVersion, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 30},
		}),
		buildEndElement(strUsesSdk),
		buildStartElement(strApplication, []axmlAttr{
			{ns: strAndroidNsUri, name: strLabel, rawValue: 0xFFFFFFFF, typ: labelValue.Type, data: labelValue.Data},
		}),
		buildEndElement(strApplication),
		buildEndElement(strManifest),
		buildNamespace(chunkXmlNsEnd, strAndroid, strAndroidNsUri),
	)
}

func decodeToXml(t *testing.T, data []byte, res *ResourceTable) string {
	t.Helper()
	var buf bytes.Buffer
	if err := ParseXml(bytes.NewReader(data), NewXmlEncoder(&buf), res); err != nil {
		t.Fatalf("ParseXml failed: %s", err.Error())
	}
	return buf.String()
}

// requireWellFormed runs the emitted bytes back through encoding/xml.
func requireWellFormed(t *testing.T, out string) {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(out))
	for {
		if _, err := dec.Token(); err == io.EOF {
			return
		} else if err != nil {
			t.Fatalf("emitted xml is not well-formed: %s\noutput:\n%s", err.Error(), out)
		}
	}
}

func TestParseXmlManifest(t *testing.T) {
	data := buildTestManifest(ResValue{Type: AttrTypeReference, Data: 0x7f020001})
	out := decodeToXml(t, data, nil)
	requireWellFormed(t, out)

	m, err := ParseManifestInfo(strings.NewReader(out))
	if err != nil {
		t.Fatalf("ParseManifestInfo failed: %s", err.Error())
	}
	if m.XMLName.Local != "manifest" {
		t.Fatalf("root element = %q", m.XMLName.Local)
	}
	if m.Package != "com.example.app" {
		t.Fatalf("package = %q", m.Package)
	}
	if m.VersionCode != "1" {
		t.Fatalf("versionCode = %q", m.VersionCode)
	}
	if m.UsesSdk.MinSdkVersion != "21" || m.UsesSdk.TargetSdkVersion != "30" {
		t.Fatalf("uses-sdk = %q/%q", m.UsesSdk.MinSdkVersion, m.UsesSdk.TargetSdkVersion)
	}

	// No resource table: the reference keeps its textual form.
	if m.Application.Label != "@res/0x7f020001" {
		t.Fatalf("label = %q", m.Application.Label)
	}
}

func TestParseXmlResolvesReferences(t *testing.T) {
	rt := parseTestArsc(t, testArsc())

	data := buildTestManifest(ResValue{Type: AttrTypeReference, Data: 0x7f020001})
	out := decodeToXml(t, data, rt)

	m, err := ParseManifestInfo(strings.NewReader(out))
	if err != nil {
		t.Fatalf("ParseManifestInfo failed: %s", err.Error())
	}
	if m.Application.Label != "Frequently asked questions" {
		t.Fatalf("label = %q", m.Application.Label)
	}
}

func TestParseXmlResolvesChainedReferences(t *testing.T) {
	// 0x7f020002 is a reference to 0x7f020001, which holds the string.
	rt := parseTestArsc(t, testArsc())

	data := buildTestManifest(ResValue{Type: AttrTypeReference, Data: 0x7f020002})
	out := decodeToXml(t, data, rt)

	m, err := ParseManifestInfo(strings.NewReader(out))
	if err != nil {
		t.Fatalf("ParseManifestInfo failed: %s", err.Error())
	}
	if m.Application.Label != "Frequently asked questions" {
		t.Fatalf("label = %q", m.Application.Label)
	}
}

func TestParseXmlReferenceCycle(t *testing.T) {
	valuePool := buildStringPool16([]string{"unused"})
	pkg := buildPackage(0x7f, "app", []string{"string"}, []string{"a", "b"},
		buildTypeChunk(1, []arscEntry{
			simpleEntry(AttrTypeReference, 0x7f010001),
			simpleEntry(AttrTypeReference, 0x7f010000),
		}),
	)
	rt := parseTestArsc(t, buildArsc(valuePool, pkg))

	data := buildTestManifest(ResValue{Type: AttrTypeReference, Data: 0x7f010000})
	out := decodeToXml(t, data, rt)

	m, err := ParseManifestInfo(strings.NewReader(out))
	if err != nil {
		t.Fatalf("ParseManifestInfo failed: %s", err.Error())
	}
	// The cycle never produces a final value; substitution stops at the
	// bound and the last reference stays textual.
	if !strings.HasPrefix(m.Application.Label, refPrefix) {
		t.Fatalf("label = %q, expected an unresolved reference", m.Application.Label)
	}
}

func TestParseXmlPlainText(t *testing.T) {
	plainManifests := []string{
		`<?xml version="1.0" encoding="utf-8" standalone="no"?>`,
		`<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example">`,
	}

	enc := NewXmlEncoder(io.Discard)
	for _, man := range plainManifests {
		if err := ParseXml(strings.NewReader(man), enc, nil); !errors.Is(err, ErrPlainTextManifest) {
			t.Fatalf("expected ErrPlainTextManifest on %q, got %v", man, err)
		}
	}
}

func TestParseXmlUnknownStringIndex(t *testing.T) {
	data := buildAxml(
		buildStringPool16([]string{"manifest"}),
		buildStartElement(99, nil),
		buildEndElement(99),
		buildNamespace(chunkXmlNsEnd, 0xFFFFFFFF, 0xFFFFFFFF),
	)

	out := decodeToXml(t, data, nil)
	requireWellFormed(t, out)
	if !strings.Contains(out, "<"+unknownString) {
		t.Fatalf("expected %s element, got:\n%s", unknownString, out)
	}
}

func TestParseXmlTruncatedStringPool(t *testing.T) {
	// The last pool entry is referenced by nothing; inflating its length
	// prefix truncates the pool there. Everything before it must survive.
	pool := buildStringPool16(append(append([]string{}, manifestStrings...), "orphan"))
	orphanIdx := len(manifestStrings)
	offTable := stringPoolHeaderSize + 4*orphanIdx
	stringsStart := stringPoolHeaderSize + 4*(orphanIdx+1)
	lastOff := int(pool[offTable]) | int(pool[offTable+1])<<8
	pool[stringsStart+lastOff] = 0xFF
	pool[stringsStart+lastOff+1] = 0x7F

	data := buildAxml(
		pool,
		buildResourceMap(manifestResourceIds),
		buildStartElement(strManifest, []axmlAttr{
			{ns: 0xFFFFFFFF, name: strPackage, rawValue: strPackageValue, typ: AttrTypeString, data: strPackageValue},
		}),
		buildEndElement(strManifest),
		buildNamespace(chunkXmlNsEnd, 0xFFFFFFFF, 0xFFFFFFFF),
	)

	out := decodeToXml(t, data, nil)
	requireWellFormed(t, out)
	if !strings.Contains(out, `<manifest package="com.example.app">`) {
		t.Fatalf("manifest element missing from output:\n%s", out)
	}
}

func TestParseXmlUnknownChunkStops(t *testing.T) {
	var unknown binBuilder
	unknown.chunkHeader(0x0777, chunkHeaderSize, 16).u32(0).u32(0)

	data := buildAxml(
		buildStringPool16(manifestStrings),
		buildStartElement(strUsesSdk, nil),
		buildEndElement(strUsesSdk),
		unknown.buf,
		buildStartElement(strApplication, nil),
		buildEndElement(strApplication),
	)

	out := decodeToXml(t, data, nil)
	if !strings.Contains(out, "<uses-sdk") {
		t.Fatalf("element before the unknown chunk missing:\n%s", out)
	}
	if strings.Contains(out, "<application") {
		t.Fatalf("decoding continued past an unknown chunk:\n%s", out)
	}
}

func TestParseXmlOversizedAttributeStride(t *testing.T) {
	// attributeSize is trusted verbatim; records padded to 28 bytes must
	// still decode.
	const stride = 28
	var el binBuilder
	el.chunkHeader(chunkXmlTagStart, 16, uint32(16+20+2*stride))
	el.u32(1).u32(0xFFFFFFFF) // line, comment
	el.u32(0xFFFFFFFF).u32(strUsesSdk)
	el.u16(20).u16(stride).u16(2)
	el.u16(0).u16(0).u16(0)
	for _, a := range []axmlAttr{
		{ns: strAndroidNsUri, name: strMinSdkVersion, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 21},
		{ns: strAndroidNsUri, name: strTargetSdkVersion, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 30},
	} {
		el.u32(a.ns).u32(a.name).u32(a.rawValue)
		el.u16(resValueSize).u8(0).u8(uint8(a.typ)).u32(a.data)
		el.raw(make([]byte, stride-20))
	}

	data := buildAxml(
		buildStringPool16(manifestStrings),
		buildResourceMap(manifestResourceIds),
		el.buf,
		buildEndElement(strUsesSdk),
		buildNamespace(chunkXmlNsEnd, 0xFFFFFFFF, 0xFFFFFFFF),
	)

	out := decodeToXml(t, data, nil)
	if !strings.Contains(out, `minSdkVersion="21"`) || !strings.Contains(out, `targetSdkVersion="30"`) {
		t.Fatalf("attributes lost with oversized stride:\n%s", out)
	}
}

func TestParseXmlDropsUnnamedAttribute(t *testing.T) {
	data := buildAxml(
		buildStringPool16(manifestStrings),
		buildStartElement(strManifest, []axmlAttr{
			{ns: 0xFFFFFFFF, name: 12345, rawValue: 0xFFFFFFFF, typ: AttrTypeIntDec, data: 7},
			{ns: 0xFFFFFFFF, name: strPackage, rawValue: strPackageValue, typ: AttrTypeString, data: strPackageValue},
		}),
		buildEndElement(strManifest),
		buildNamespace(chunkXmlNsEnd, 0xFFFFFFFF, 0xFFFFFFFF),
	)

	out := decodeToXml(t, data, nil)
	requireWellFormed(t, out)
	if strings.Contains(out, `="7"`) {
		t.Fatalf("attribute without a name survived:\n%s", out)
	}
	if !strings.Contains(out, `package="com.example.app"`) {
		t.Fatalf("named attribute missing:\n%s", out)
	}
}
