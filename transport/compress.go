package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// Compression names accepted in Options.Compression.
const (
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

func init() {
	encoding.RegisterCompressor(newZstdCompressor())
}

// ValidCompression reports whether name is a supported compression setting.
func ValidCompression(name string) error {
	switch name {
	case "", CompressionZstd, CompressionGzip, CompressionNone:
		return nil
	}
	return fmt.Errorf("unsupported compression %q", name)
}

// zstdCompressor implements encoding.Compressor with pooled klauspost encoders and decoders.
type zstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCompressor() *zstdCompressor {
	c := &zstdCompressor{}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		return enc
	}
	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		return dec
	}
	return c
}

func (c *zstdCompressor) Name() string {
	return CompressionZstd
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	switch v := c.encoders.Get().(type) {
	case *zstd.Encoder:
		v.Reset(w)
		return &zstdWriter{Encoder: v, pool: &c.encoders}, nil
	case error:
		return nil, v
	}
	return nil, fmt.Errorf("zstd: unexpected pooled encoder")
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	switch v := c.decoders.Get().(type) {
	case *zstd.Decoder:
		if err := v.Reset(r); err != nil {
			c.decoders.Put(v)
			return nil, err
		}
		return &zstdReader{Decoder: v, pool: &c.decoders}, nil
	case error:
		return nil, v
	}
	return nil, fmt.Errorf("zstd: unexpected pooled decoder")
}

type zstdWriter struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (w *zstdWriter) Close() error {
	err := w.Encoder.Close()
	w.Encoder.Reset(nil)
	w.pool.Put(w.Encoder)
	return err
}

// zstdReader returns its decoder to the pool once the stream is exhausted.
type zstdReader struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (r *zstdReader) Read(p []byte) (int, error) {
	if r.Decoder == nil {
		return 0, io.EOF
	}
	n, err := r.Decoder.Read(p)
	if err == io.EOF {
		_ = r.Decoder.Reset(nil)
		r.pool.Put(r.Decoder)
		r.Decoder = nil
	}
	return n, err
}
