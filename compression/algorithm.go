// Package compression adds message-level compression to any channel.
//
// Each outgoing message is serialized with a codec, compressed, and sent as
// a Message carrying the algorithm tag and the compressed bytes. Incoming
// messages are decompressed and deserialized before the caller sees them.
// Algorithms are looked up by tag in a small registry; Deflate and Zstd are
// registered by default.
package compression

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Algorithm tags a compressed payload on the wire.
type Algorithm string

const (
	Deflate Algorithm = "Deflate"
	Zstd    Algorithm = "Zstd"
)

var (
	// ErrInvalidData is the class of every decompression failure.
	ErrInvalidData = errors.New("compression: invalid data")
	// ErrUnsupportedAlgorithm reports an algorithm tag with no registered
	// Compressor. It also matches ErrInvalidData.
	ErrUnsupportedAlgorithm error = &unsupportedError{}
)

type unsupportedError struct{}

func (*unsupportedError) Error() string        { return "compression: unsupported algorithm" }
func (*unsupportedError) Is(target error) bool { return target == ErrInvalidData }

// Compressor compresses and decompresses whole buffers.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[Algorithm]Compressor{
		Deflate: deflateCompressor{level: flate.DefaultCompression},
		Zstd:    &zstdCompressor{},
	}
)

// Register installs c under alg, replacing any previous registration.
func Register(alg Algorithm, c Compressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[alg] = c
}

// Lookup returns the Compressor registered for alg.
func Lookup(alg Algorithm) (Compressor, error) {
	registryMu.RLock()
	c, ok := registry[alg]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "%q", string(alg))
	}
	return c, nil
}

// ParseAlgorithm resolves a registered algorithm by name, ignoring case,
// so "deflate" in a config file names Deflate.
func ParseAlgorithm(name string) (Algorithm, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for alg := range registry {
		if strings.EqualFold(string(alg), name) {
			return alg, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedAlgorithm, "%q", name)
}

func (a Algorithm) String() string { return string(a) }

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a), nil
}

// UnmarshalText rejects tags that have no registered Compressor, so an
// unknown algorithm fails at deserialization.
func (a *Algorithm) UnmarshalText(text []byte) error {
	alg := Algorithm(text)
	if _, err := Lookup(alg); err != nil {
		return err
	}
	*a = alg
	return nil
}

type deflateCompressor struct {
	level int
}

var deflateWriters sync.Pool

func (d deflateCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := deflateWriters.Get().(*flate.Writer)
	if w == nil {
		var err error
		if w, err = flate.NewWriter(&buf, d.level); err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer deflateWriters.Put(w)

	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decompress(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidData, "deflate: %v", err)
	}
	return out, nil
}

type zstdCompressor struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (z *zstdCompressor) init() error {
	z.once.Do(func() {
		if z.enc, z.err = zstd.NewWriter(nil); z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil)
	})
	return z.err
}

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidData, "zstd: %v", err)
	}
	return out, nil
}
