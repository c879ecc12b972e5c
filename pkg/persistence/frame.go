package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the AOF binary framing.
const (
	// MagicByte marks the start of a valid frame. It lets recovery scans
	// resynchronize inside a damaged file.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32).
	HeaderSize = 10

	// OpCodeCommand represents a database command (e.g., SET, VADD).
	OpCodeCommand = 0x01
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a valid AOF.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter handles the safe writing of binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	header := make([]byte, HeaderSize)

	header[0] = MagicByte
	header[1] = OpCodeCommand

	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	// Header and payload are written sequentially; when 'w' is a bufio.Writer
	// they reach the OS as a single write.
	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads the next frame from the reader, validating the magic byte
// and the CRC32 checksum. It returns the payload, the total bytes consumed
// (header + payload), and an error.
func ReadFrame(r io.Reader) ([]byte, int, error) {
	header := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, header); err != nil {
		// EOF exactly at a frame boundary is a clean end of log; partial
		// header bytes mean a torn write.
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return nil, HeaderSize, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return nil, HeaderSize + int(length), ErrChecksumMismatch
	}

	return payload, HeaderSize + int(length), nil
}
