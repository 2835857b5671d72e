package sslog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Binary record format, carried over from a WAL encoder's Encode/Decode
// (wal.go): a CRC-framed, self-describing record.
//
//	| CRC (4) | TOTAL_LEN (4) | KEY_LEN (4) | KEY | VAL_LEN (4) | VALUE |
//	CRC = checksum(TOTAL_LEN | KEY_LEN | KEY | VAL_LEN | VALUE)
//
// Unlike a WAL, there is no operation-type byte: the log only ever appends
// records, and deletion is purely an index-level concept (spec §6, "the log
// is the source of truth" -- the index, not the log, tracks liveness).
const (
	invalidCRC   = uint32(0xFFFFFFFF)
	maxEntrySize = 16 << 20
)

var (
	ErrCorruptLog       = errors.New("sslog: corrupt record")
	ErrOffsetOutOfRange = errors.New("sslog: offset out of range")
)

// FileLog is a single growing append-only file, guarded by a mutex. Offsets
// are stable byte positions into the file, which is what lets a Payload's
// Offset field address a record for the lifetime of the process -- exactly
// the guarantee spec §6 requires of the log collaborator.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileLog opens (creating if necessary) path for append-only record
// writes, seeking to the end so new records are appended, matching the
// teacher's wal/wal_writer.go bootstrap (O_RDWR|O_CREATE, then Seek to end;
// O_APPEND is avoided because reads seek around inside the same handle).
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sslog: open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("sslog: seek to end of %s: %w", path, err)
	}
	return &FileLog{f: f}, nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *FileLog) Write(key, value []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset, err := l.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	keyLen := uint32(len(key))
	valLen := uint32(len(value))
	payloadLen := 4 + keyLen + 4 + valLen
	totalLen := payloadLen

	if int(totalLen) > maxEntrySize {
		return 0, fmt.Errorf("sslog: entry too large (%d bytes)", totalLen)
	}

	buf := make([]byte, 0, 8+totalLen)
	buf = binary.LittleEndian.AppendUint32(buf, invalidCRC) // placeholder, patched below
	body := buf[4:4]
	body = binary.LittleEndian.AppendUint32(body, totalLen)
	body = binary.LittleEndian.AppendUint32(body, keyLen)
	body = append(body, key...)
	body = binary.LittleEndian.AppendUint32(body, valLen)
	body = append(body, value...)
	buf = buf[:4+len(body)]

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	if _, err := l.f.Write(buf); err != nil {
		return 0, err
	}
	return uint64(offset), nil
}

func cleanEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func (l *FileLog) Read(offset uint64) ([]byte, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, nil, err
	}

	var storedCRC, totalLen uint32
	if err := binary.Read(l.f, binary.LittleEndian, &storedCRC); err != nil {
		return nil, nil, cleanEOF(err)
	}
	if err := binary.Read(l.f, binary.LittleEndian, &totalLen); err != nil {
		return nil, nil, cleanEOF(err)
	}
	if totalLen > maxEntrySize || totalLen < 8 {
		return nil, nil, ErrCorruptLog
	}

	body := make([]byte, 4+int(totalLen))
	binary.LittleEndian.PutUint32(body[0:4], totalLen)
	if _, err := io.ReadFull(l.f, body[4:]); err != nil {
		return nil, nil, cleanEOF(err)
	}
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, nil, ErrCorruptLog
	}

	pos := 4
	keyLen := binary.LittleEndian.Uint32(body[pos:])
	pos += 4
	if uint32(len(body)-pos) < keyLen {
		return nil, nil, ErrCorruptLog
	}
	key := append([]byte(nil), body[pos:pos+int(keyLen)]...)
	pos += int(keyLen)

	valLen := binary.LittleEndian.Uint32(body[pos:])
	pos += 4
	if uint32(len(body)-pos) < valLen {
		return nil, nil, ErrCorruptLog
	}
	value := append([]byte(nil), body[pos:pos+int(valLen)]...)

	return key, value, nil
}
