package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MagicNumber identifies vektor snapshot files (ASCII "VKT1").
	MagicNumber = 0x564B5431

	// FormatVersion is the current snapshot format version.
	FormatVersion = 0x00010000

	// Section kinds.
	SectionRecords = 1
	SectionGraph   = 2
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported snapshot version")
	ErrInvalidSection = errors.New("unexpected snapshot section")
)

// fileHeader is the fixed 24-byte header at the start of every snapshot file.
//
//	u32 magic
//	u32 version
//	u8  section kind
//	u8[3] padding
//	u64 payload length (compressed bytes)
//	u32 payload CRC32
type fileHeader struct {
	Magic      uint32
	Version    uint32
	Section    uint8
	PayloadLen uint64
	Checksum   uint32
}

const fileHeaderSize = 24

func (h *fileHeader) marshal() []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	buf[8] = h.Section
	binary.LittleEndian.PutUint64(buf[12:], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:], h.Checksum)
	return buf
}

func (h *fileHeader) unmarshal(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return io.ErrUnexpectedEOF
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.Section = buf[8]
	h.PayloadLen = binary.LittleEndian.Uint64(buf[12:])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:])

	if h.Magic != MagicNumber {
		return ErrInvalidMagic
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: 0x%08x", ErrInvalidVersion, h.Version)
	}
	return nil
}
