package bxmlrs

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Archive reads the two resource blobs out of an APK. It mimics Reader from
// archive/zip but also handles broken archives that Android can read and
// archive/zip cannot: when the central directory is unusable it falls back
// to scanning for local file headers, and a name can map to several entries
// in crafted ZIPs, so readers get every candidate blob.
type Archive struct {
	entries map[string][]apkEntry
	names   []string

	r     io.ReadSeeker
	owned *os.File
}

type apkEntry struct {
	zipFile *zip.File // set when archive/zip could parse the archive

	// set on the raw-scan fallback path
	offset int64
	method uint16
}

// OpenApk opens the APK at path.
func OpenApk(p string) (*Archive, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	a, err := OpenApkReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.owned = f
	return a, nil
}

// OpenApkReader opens an APK from r. Might Seek the reader to arbitrary
// positions.
func OpenApkReader(r io.ReadSeeker) (*Archive, error) {
	a := &Archive{
		entries: make(map[string][]apkEntry),
		r:       r,
	}

	f := &readAtWrapper{r}
	if zr, err := tryReadZip(f); err == nil {
		for i, zf := range zr.File {
			if zf.Method != zip.Store && zf.Method != zip.Deflate {
				// Android treats an unknown method as deflate, except for the
				// two resource files it maps directly.
				switch zf.Name {
				case "AndroidManifest.xml", "resources.arsc":
					zr.File[i].Method = zip.Store
					zr.File[i].CompressedSize64 = zr.File[i].UncompressedSize64
				default:
					zr.File[i].Method = zip.Deflate
				}
			}

			name := path.Clean(zf.Name)
			if _, seen := a.entries[name]; !seen {
				a.names = append(a.names, name)
			}
			a.entries[name] = append(a.entries[name], apkEntry{zipFile: zr.File[i]})
		}
		return a, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := a.scanLocalHeaders(f); err != nil {
		return nil, err
	}
	if len(a.entries) == 0 {
		return nil, errors.New("no zip entries found")
	}
	return a, nil
}

// scanLocalHeaders walks the raw bytes for PK local file headers. Entries
// found later in the file are tried first, matching how Android resolves
// duplicate names.
func (a *Archive) scanLocalHeaders(f *readAtWrapper) error {
	for {
		off, err := findNextFileHeader(f)
		if off == -1 || err != nil {
			return err
		}

		var nameLen, extraLen, method uint16
		if _, err = f.Seek(off+8, io.SeekStart); err != nil {
			return err
		}
		if err = binary.Read(f, binary.LittleEndian, &method); err != nil {
			return err
		}
		if _, err = f.Seek(off+26, io.SeekStart); err != nil {
			return err
		}
		if err = binary.Read(f, binary.LittleEndian, &nameLen); err != nil {
			return err
		}
		if err = binary.Read(f, binary.LittleEndian, &extraLen); err != nil {
			return err
		}

		buf := make([]byte, nameLen)
		if _, err = f.ReadAt(buf, off+30); err != nil {
			return err
		}

		name := path.Clean(string(buf))
		if _, seen := a.entries[name]; !seen {
			a.names = append(a.names, name)
		}
		a.entries[name] = append([]apkEntry{{
			offset: off + 30 + int64(nameLen) + int64(extraLen),
			method: method,
		}}, a.entries[name]...)

		if _, err = f.Seek(off+4, io.SeekStart); err != nil {
			return err
		}
	}
}

// Names lists the entry names in the order they were found.
func (a *Archive) Names() []string {
	return a.names
}

// Blobs returns every decodable candidate for name, at most limit bytes
// each. Entries that fail to inflate are skipped; an empty result with a
// nil error means the name exists but no entry could be read.
func (a *Archive) Blobs(name string, limit int64) ([][]byte, error) {
	entries, ok := a.entries[name]
	if !ok {
		return nil, os.ErrNotExist
	}

	var blobs [][]byte
	for _, e := range entries {
		data, err := a.readEntry(e, limit)
		if err == nil {
			blobs = append(blobs, data)
		}
	}
	return blobs, nil
}

// ReadFile returns the first decodable candidate for name.
func (a *Archive) ReadFile(name string, limit int64) ([]byte, error) {
	blobs, err := a.Blobs(name, limit)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, fmt.Errorf("no readable entry for %s: %w", name, io.ErrUnexpectedEOF)
	}
	return blobs[0], nil
}

func (a *Archive) readEntry(e apkEntry, limit int64) ([]byte, error) {
	if e.zipFile != nil {
		rc, err := e.zipFile.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, limit))
	}

	if _, err := a.r.Seek(e.offset, io.SeekStart); err != nil {
		return nil, err
	}
	var r io.Reader = a.r
	if e.method != zip.Store {
		// Android treats everything but store as deflate.
		fr := flate.NewReader(a.r)
		defer fr.Close()
		r = fr
	}
	return io.ReadAll(io.LimitReader(r, limit))
}

// Close releases the underlying file when the Archive owns it.
func (a *Archive) Close() error {
	a.entries = nil
	if a.owned != nil {
		err := a.owned.Close()
		a.owned = nil
		return err
	}
	return nil
}

type readAtWrapper struct {
	io.ReadSeeker
}

func (wr *readAtWrapper) ReadAt(b []byte, off int64) (n int, err error) {
	if readerAt, ok := wr.ReadSeeker.(io.ReaderAt); ok {
		return readerAt.ReadAt(b, off)
	}

	oldpos, err := wr.Seek(0, io.SeekCurrent)
	if err != nil {
		return
	}
	if _, err = wr.Seek(off, io.SeekStart); err != nil {
		return
	}
	if n, err = wr.Read(b); err != nil {
		return
	}
	_, err = wr.Seek(oldpos, io.SeekStart)
	return
}

func tryReadZip(f *readAtWrapper) (r *zip.Reader, err error) {
	defer func() {
		if pn := recover(); pn != nil {
			err = fmt.Errorf("%v", pn)
			r = nil
		}
	}()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}

	r, err = zip.NewReader(f, size)
	if err != nil {
		return
	}

	r.RegisterDecompressor(zip.Deflate, newFlateReader)
	return
}

func findNextFileHeader(f io.ReadSeeker) (offset int64, err error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1, err
	}
	defer func() {
		if _, serr := f.Seek(start, io.SeekStart); serr != nil && err == nil {
			err = serr
		}
	}()

	buf := make([]byte, 64*1024)
	toCmp := []byte{0x50, 0x4B, 0x03, 0x04}

	ok := 0
	offset = start

	for {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			return -1, err
		}
		if n == 0 {
			return -1, nil
		}

		for i := 0; i < n; i++ {
			if buf[i] == toCmp[ok] {
				ok++
				if ok == len(toCmp) {
					offset += int64(i) - int64(len(toCmp)-1)
					return offset, nil
				}
			} else {
				ok = 0
			}
		}

		offset += int64(n)
	}
}

var flateReaderPool sync.Pool

func newFlateReader(r io.Reader) io.ReadCloser {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(r, nil)
	} else {
		fr = flate.NewReader(r)
	}
	return &pooledFlateReader{fr: fr}
}

type pooledFlateReader struct {
	mu sync.Mutex // guards Close and Read
	fr io.ReadCloser
}

func (r *pooledFlateReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, errors.New("read after Close")
	}
	return r.fr.Read(p)
}

func (r *pooledFlateReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fr != nil {
		err = r.fr.Close()
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
	return err
}
