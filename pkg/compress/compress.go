// Package compress provides the pluggable codecs used for wdiff record
// payloads and wire transfer: identity, Snappy, Zlib, and Xz.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz"
)

// Mode identifies a compression codec. The numeric values are part of
// the wdiff on-disk format and the wire protocol and must not change.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeSnappy
	ModeZlib
	ModeXz
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSnappy:
		return "snappy"
	case ModeZlib:
		return "zlib"
	case ModeXz:
		return "xz"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a codec name as it appears in archive-info
// compression specs.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "none", "asis":
		return ModeNone, nil
	case "snappy":
		return ModeSnappy, nil
	case "zlib", "gzip":
		return ModeZlib, nil
	case "xz", "lzma":
		return ModeXz, nil
	default:
		return ModeNone, fmt.Errorf("unknown compression mode %q", s)
	}
}

// Compress compresses src with the given mode. Level is honored by the
// zlib codec and ignored otherwise.
func Compress(mode Mode, src []byte, level int) ([]byte, error) {
	switch mode {
	case ModeNone:
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst, nil
	case ModeSnappy:
		return snappy.Encode(nil, src), nil
	case ModeZlib:
		return zlibCompress(src, level)
	case ModeXz:
		return xzCompress(src)
	default:
		return nil, fmt.Errorf("compress: unknown mode %d", mode)
	}
}

// Uncompress decompresses src produced by Compress with the same mode.
func Uncompress(mode Mode, src []byte) ([]byte, error) {
	switch mode {
	case ModeNone:
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst, nil
	case ModeSnappy:
		dst, err := snappy.Decode(nil, src)
		if err == nil && dst == nil {
			dst = []byte{}
		}
		return dst, err
	case ModeZlib:
		return zlibUncompress(src)
	case ModeXz:
		return xzUncompress(src)
	default:
		return nil, fmt.Errorf("uncompress: unknown mode %d", mode)
	}
}

func zlibCompress(src []byte, level int) ([]byte, error) {
	if level <= 0 || level > zlib.BestCompression {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("zlib writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func zlibUncompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	dst, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	return dst, nil
}

func xzCompress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, fmt.Errorf("xz write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz close: %w", err)
	}
	return buf.Bytes(), nil
}

func xzUncompress(src []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	dst, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("xz read: %w", err)
	}
	return dst, nil
}

// Spec is a compression specification in "type:level:concurrency" form
// as used by archive-info entries, e.g. "snappy:0:1".
type Spec struct {
	Mode        Mode
	Level       int
	Concurrency int
}

// DefaultSpec is used when an archive entry does not specify one.
var DefaultSpec = Spec{Mode: ModeSnappy, Level: 0, Concurrency: 1}

// ParseSpec parses "type[:level[:concurrency]]".
func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return Spec{}, fmt.Errorf("invalid compression spec %q", s)
	}
	mode, err := ParseMode(parts[0])
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{Mode: mode, Level: 0, Concurrency: 1}
	if len(parts) >= 2 {
		spec.Level, err = strconv.Atoi(parts[1])
		if err != nil || spec.Level < 0 || spec.Level > 9 {
			return Spec{}, fmt.Errorf("invalid compression level %q", parts[1])
		}
	}
	if len(parts) == 3 {
		spec.Concurrency, err = strconv.Atoi(parts[2])
		if err != nil || spec.Concurrency < 1 {
			return Spec{}, fmt.Errorf("invalid compression concurrency %q", parts[2])
		}
	}
	return spec, nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%s:%d:%d", s.Mode, s.Level, s.Concurrency)
}
