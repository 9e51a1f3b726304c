// Package bxmlrs decodes AndroidManifest.xml and resources.arsc from
// Android APKs into textual XML, resolving resource references through the
// resource table.
package bxmlrs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/ariqa-labs/bxmlrs/internal/logging"
)

// An APK entry larger than this is not a manifest or resource table worth
// decoding.
const maxBlobSize = 256 << 20

// ApkParser decodes the resource blobs of one opened APK.
type ApkParser struct {
	apk *Archive

	encoder   ManifestEncoder
	resources *ResourceTable
	log       Logger
}

// ParseApk decodes the manifest of the APK at path into encoder, resolving
// references through resources.arsc when present. Calls ParseApkReader.
func ParseApk(path string, encoder ManifestEncoder) (zipErr, resourcesErr, manifestErr error) {
	f, zipErr := os.Open(path)
	if zipErr != nil {
		return
	}
	defer f.Close()
	return ParseApkReader(f, encoder)
}

// ParseApkReader decodes an APK's manifest, including resolving references
// to resource values.
//
// zipErr != nil means the APK couldn't be opened. The manifest will be
// parsed even when resourcesErr != nil, just without reference resolving.
func ParseApkReader(r io.ReadSeeker, encoder ManifestEncoder) (zipErr, resourcesErr, manifestErr error) {
	apk, zipErr := OpenApkReader(r)
	if zipErr != nil {
		return
	}
	defer apk.Close()

	resourcesErr, manifestErr = ParseApkWithArchive(apk, encoder)
	return
}

// ParseApkWithArchive is ParseApkReader for an already-opened Archive. It
// will not Close() the archive.
func ParseApkWithArchive(apk *Archive, encoder ManifestEncoder) (resourcesErr, manifestErr error) {
	p := NewParser(apk, encoder)
	resourcesErr = p.ParseResources()
	manifestErr = p.ParseXml("AndroidManifest.xml")
	return
}

// NewParser prepares an ApkParser over an opened archive. The caller stays
// the owner of the archive.
func NewParser(apk *Archive, encoder ManifestEncoder) *ApkParser {
	return &ApkParser{
		apk:     apk,
		encoder: encoder,
		log:     logging.Nop(),
	}
}

// SetLogger routes decode diagnostics to log.
func (p *ApkParser) SetLogger(log Logger) {
	if log != nil {
		p.log = log
	}
}

// ParseResources decodes resources.arsc if it hasn't been decoded yet. A
// missing table is reported but is not fatal for manifest decoding,
// references just stay in their "@res/0x..." form.
func (p *ApkParser) ParseResources() (err error) {
	if p.resources != nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, string(debug.Stack()))
		}
	}()

	data, err := p.apk.ReadFile("resources.arsc", maxBlobSize)
	if os.IsNotExist(err) {
		return os.ErrNotExist
	} else if err != nil {
		return fmt.Errorf("failed to read resources.arsc: %s", err.Error())
	}

	p.resources, err = parseResourceTableData(data, p.log)
	return
}

// ParseXml decodes the named binary XML entry into the parser's encoder.
// Crafted APKs store the manifest several times, every candidate entry is
// tried until one decodes.
func (p *ApkParser) ParseXml(name string) error {
	blobs, err := p.apk.Blobs(name, maxBlobSize)
	if err != nil {
		return fmt.Errorf("failed to find %s in APK: %w", name, err)
	}

	var lastErr error
	for _, blob := range blobs {
		if err := ParseXmlWithLogger(bytes.NewReader(blob), p.encoder, p.resources, p.log); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr == ErrPlainTextManifest {
		return lastErr
	}
	return fmt.Errorf("failed to parse %s, last error: %v", name, lastErr)
}
