// Package persistence writes and restores collection snapshots.
//
// A snapshot consists of two files in the snapshot directory: records.vkt
// (the record store, zstd-compressed) and graph.vkt (the HNSW topology,
// lz4-compressed). Both carry a header with a payload CRC32; a mismatch on
// load surfaces as ChecksumMismatchError so the caller can fall back to
// rebuilding from records.
//
// Writes are atomic: payloads go to a temp file that is fsynced and renamed
// over the target, so a crash mid-save leaves the previous snapshot intact.
package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/internal/mmap"
	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/vectorstore"
)

const (
	// RecordsFile is the record store snapshot filename.
	RecordsFile = "records.vkt"

	// GraphFile is the graph topology snapshot filename.
	GraphFile = "graph.vkt"

	tmpSuffix = ".tmp"
)

// Record flag bits.
const (
	flagCompressed = 1 << 0
	flagTombstoned = 1 << 1
	flagNormalized = 1 << 2
)

// Options configures a Manager.
type Options struct {
	// UseMMap maps snapshot files into memory on load instead of reading
	// them through the page cache twice.
	UseMMap bool
}

// DefaultOptions are the default manager options.
var DefaultOptions = Options{}

// Manager saves and loads snapshots under a directory.
type Manager struct {
	dir  string
	opts Options
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(dir string, optFns ...func(o *Options)) (*Manager, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	return &Manager{dir: dir, opts: opts}, nil
}

// RecordsPath returns the record snapshot path.
func (m *Manager) RecordsPath() string { return filepath.Join(m.dir, RecordsFile) }

// GraphPath returns the graph snapshot path.
func (m *Manager) GraphPath() string { return filepath.Join(m.dir, GraphFile) }

// HasSnapshot reports whether a record snapshot exists on disk.
func (m *Manager) HasSnapshot() bool {
	_, err := os.Stat(m.RecordsPath())
	return err == nil
}

// Remove deletes any snapshot files.
func (m *Manager) Remove() error {
	for _, p := range []string{m.RecordsPath(), m.GraphPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SaveRecords snapshots the record store, including trained quantizer state.
func (m *Manager) SaveRecords(store *vectorstore.Store) error {
	var payload bytes.Buffer

	zw, err := zstd.NewWriter(&payload)
	if err != nil {
		return err
	}

	if err := encodeRecords(zw, store); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return m.writeFile(m.RecordsPath(), SectionRecords, payload.Bytes())
}

// LoadRecords restores a record snapshot into a freshly created store.
// The store's dimension and codec must match the snapshot.
func (m *Manager) LoadRecords(store *vectorstore.Store) error {
	payload, cleanup, err := m.readFile(m.RecordsPath(), SectionRecords)
	if err != nil {
		return err
	}
	defer cleanup()

	zr, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer zr.Close()

	return decodeRecords(zr, store)
}

// SaveGraph snapshots the graph topology.
func (m *Manager) SaveGraph(g *hnsw.Graph) error {
	var payload bytes.Buffer

	lw := lz4.NewWriter(&payload)
	if _, err := g.WriteTo(lw); err != nil {
		lw.Close()
		return err
	}
	if err := lw.Close(); err != nil {
		return err
	}

	return m.writeFile(m.GraphPath(), SectionGraph, payload.Bytes())
}

// LoadGraph restores a graph snapshot into an empty graph.
func (m *Manager) LoadGraph(g *hnsw.Graph) error {
	payload, cleanup, err := m.readFile(m.GraphPath(), SectionGraph)
	if err != nil {
		return err
	}
	defer cleanup()

	lr := lz4.NewReader(bytes.NewReader(payload))
	_, err = g.ReadFrom(lr)
	return err
}

// writeFile writes header + payload atomically via temp file and rename.
func (m *Manager) writeFile(path string, section uint8, payload []byte) error {
	hdr := fileHeader{
		Magic:      MagicNumber,
		Version:    FormatVersion,
		Section:    section,
		PayloadLen: uint64(len(payload)),
	}

	cw := NewChecksumWriter(io.Discard)
	_, _ = cw.Write(payload)
	hdr.Checksum = cw.Sum()

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(hdr.marshal()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// readFile reads and verifies a snapshot file, returning the raw payload and
// a cleanup func that must be called when the payload is no longer needed.
func (m *Manager) readFile(path string, section uint8) ([]byte, func(), error) {
	noop := func() {}

	if m.opts.UseMMap {
		mf, err := mmap.Open(path)
		if err != nil {
			return nil, noop, err
		}
		payload, err := verifyFile(mf.Data, section)
		if err != nil {
			mf.Close()
			return nil, noop, err
		}
		return payload, func() { mf.Close() }, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, noop, err
	}
	payload, err := verifyFile(data, section)
	return payload, noop, err
}

func verifyFile(data []byte, section uint8) ([]byte, error) {
	var hdr fileHeader
	if err := hdr.unmarshal(data); err != nil {
		return nil, err
	}
	if hdr.Section != section {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSection, hdr.Section, section)
	}
	if uint64(len(data)-fileHeaderSize) < hdr.PayloadLen {
		return nil, io.ErrUnexpectedEOF
	}

	payload := data[fileHeaderSize : fileHeaderSize+int(hdr.PayloadLen)]

	cr := NewChecksumReader(bytes.NewReader(payload))
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, err
	}
	if err := cr.Verify(hdr.Checksum); err != nil {
		return nil, err
	}

	return payload, nil
}

// Record payload layout (inside zstd):
//
//	u32 dimension
//	u16 codec length, codec string
//	u32 quantizer blob length, blob (0 when untrained or no compression)
//	u32 record count
//	per record:
//	  u16 id length, id bytes
//	  u32 internal id
//	  u8  flags
//	  vector: u32 byte length, code bytes (compressed)
//	          or dimension float32s (raw)
//	  u32 metadata JSON length, JSON bytes

func encodeRecords(w io.Writer, store *vectorstore.Store) error {
	if err := writeU32(w, uint32(store.Dimension())); err != nil {
		return err
	}

	codec := "none"
	var qblob []byte
	if q := store.Quantizer(); q != nil {
		codec = string(q.Codec())
		if q.Trained() {
			blob, err := q.MarshalBinary()
			if err != nil {
				return err
			}
			qblob = blob
		}
	}
	if err := writeBytes16(w, []byte(codec)); err != nil {
		return err
	}
	if err := writeBytes32(w, qblob); err != nil {
		return err
	}

	var count uint32
	store.ForEachRecord(func(*vectorstore.Record) bool {
		count++
		return true
	})
	if err := writeU32(w, count); err != nil {
		return err
	}

	var encodeErr error
	store.ForEachRecord(func(rec *vectorstore.Record) bool {
		encodeErr = encodeRecord(w, rec, store.Dimension())
		return encodeErr == nil
	})
	return encodeErr
}

func encodeRecord(w io.Writer, rec *vectorstore.Record, dim int) error {
	if err := writeBytes16(w, []byte(rec.ID)); err != nil {
		return err
	}
	if err := writeU32(w, rec.Internal); err != nil {
		return err
	}

	var flags uint8
	if rec.Compressed {
		flags |= flagCompressed
	}
	if rec.Tombstoned {
		flags |= flagTombstoned
	}
	if rec.Normalized {
		flags |= flagNormalized
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}

	if rec.Compressed {
		if err := writeBytes32(w, rec.Code); err != nil {
			return err
		}
	} else {
		if len(rec.Vector) != dim {
			return fmt.Errorf("record %q: vector length %d, dimension %d", rec.ID, len(rec.Vector), dim)
		}
		buf := make([]byte, 4*dim)
		for i, c := range rec.Vector {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(c))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	var metaJSON []byte
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		metaJSON = b
	}
	return writeBytes32(w, metaJSON)
}

func decodeRecords(r io.Reader, store *vectorstore.Store) error {
	dim, err := readU32(r)
	if err != nil {
		return err
	}
	if int(dim) != store.Dimension() {
		return fmt.Errorf("snapshot dimension %d, store dimension %d", dim, store.Dimension())
	}

	codec, err := readBytes16(r)
	if err != nil {
		return err
	}
	q := store.Quantizer()
	wantCodec := "none"
	if q != nil {
		wantCodec = string(q.Codec())
	}
	if string(codec) != wantCodec {
		return fmt.Errorf("snapshot codec %q, store codec %q", codec, wantCodec)
	}

	qblob, err := readBytes32(r)
	if err != nil {
		return err
	}
	if len(qblob) > 0 {
		if q == nil {
			return fmt.Errorf("snapshot has quantizer state but compression is off")
		}
		if err := q.UnmarshalBinary(qblob); err != nil {
			return err
		}
	}

	count, err := readU32(r)
	if err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		rec, err := decodeRecord(r, int(dim))
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if err := store.Restore(rec); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(r io.Reader, dim int) (*vectorstore.Record, error) {
	id, err := readBytes16(r)
	if err != nil {
		return nil, err
	}
	internal, err := readU32(r)
	if err != nil {
		return nil, err
	}

	var flagBuf [1]byte
	if _, err := io.ReadFull(r, flagBuf[:]); err != nil {
		return nil, err
	}
	flags := flagBuf[0]

	rec := &vectorstore.Record{
		ID:         string(id),
		Internal:   internal,
		Compressed: flags&flagCompressed != 0,
		Tombstoned: flags&flagTombstoned != 0,
		Normalized: flags&flagNormalized != 0,
	}

	if rec.Compressed {
		code, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		rec.Code = code
	} else {
		buf := make([]byte, 4*dim)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		rec.Vector = make([]float32, dim)
		for i := range rec.Vector {
			rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}

	metaJSON, err := readBytes32(r)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		var doc metadata.Document
		if err := json.Unmarshal(metaJSON, &doc); err != nil {
			return nil, err
		}
		rec.Metadata = doc
	}

	return rec, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeBytes16(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("field too long: %d bytes", len(b))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes16(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeBytes32(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes32(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
