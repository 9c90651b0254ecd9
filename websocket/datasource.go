package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"
)

// DataSource is a sized, randomly readable payload. *bytes.Reader,
// *strings.Reader and *io.SectionReader all satisfy it.
type DataSource interface {
	io.ReaderAt
	Size() int64
}

func Text(s string) DataSource { return strings.NewReader(s) }

func Data(b []byte) DataSource { return bytes.NewReader(b) }

func sourceSize(src DataSource) int64 {
	if src == nil {
		return 0
	}
	return src.Size()
}

// ReadAll materializes src. A nil source reads as nil.
func ReadAll(src DataSource) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	buf := make([]byte, src.Size())
	n, err := src.ReadAt(buf, 0)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return buf[:n], err
}

// ReadString is ReadAll for text payloads. Read errors yield an empty string.
func ReadString(src DataSource) string {
	b, err := ReadAll(src)
	if err != nil {
		return ""
	}
	return string(b)
}

func newSourceReader(src DataSource) io.Reader {
	if src == nil {
		return bytes.NewReader(nil)
	}
	return io.NewSectionReader(src, 0, src.Size())
}

// spillBuffer keeps data in memory until it grows past limit and moves it to
// a temporary file afterwards.
type spillBuffer struct {
	limit int64
	mem   bytes.Buffer
	file  *os.File
	size  int64
}

func newSpillBuffer(limit int64) *spillBuffer {
	return &spillBuffer{limit: limit}
}

func (b *spillBuffer) Write(p []byte) (int, error) {
	if b.file == nil && b.limit > 0 && b.size+int64(len(p)) > b.limit {
		f, err := os.CreateTemp("", "wsengine-message-*")
		if err != nil {
			return 0, fmt.Errorf("websocket: spill buffer: %w", err)
		}
		if _, err := f.Write(b.mem.Bytes()); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return 0, fmt.Errorf("websocket: spill buffer: %w", err)
		}
		b.mem = bytes.Buffer{}
		b.file = f
	}
	var n int
	var err error
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

func (b *spillBuffer) ReadFrom(src DataSource) error {
	if src == nil {
		return nil
	}
	_, err := io.Copy(b, newSourceReader(src))
	return err
}

func (b *spillBuffer) Len() int64 { return b.size }

// Source exposes the written data. It stays valid until Close.
func (b *spillBuffer) Source() DataSource {
	if b.file != nil {
		return io.NewSectionReader(b.file, 0, b.size)
	}
	return bytes.NewReader(b.mem.Bytes())
}

func (b *spillBuffer) Close() error {
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	b.file = nil
	if rmErr := os.Remove(name); !errors.Is(rmErr, os.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	return err
}
