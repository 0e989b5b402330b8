package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// Compression identifies how an artifact body is stored by a persistent
// backend. Values are written into stored envelopes and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name as used in configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

const (
	// maxBodySize caps the decoded size of a persisted artifact.
	maxBodySize = 1 << 30
	// lz4MaxRatio bounds how far an lz4 block can expand.
	lz4MaxRatio = 255
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// envelope is the stored form of an artifact.
type envelope struct {
	Key         string      `cbor:"1,keyasint"`
	ContentType string      `cbor:"2,keyasint"`
	ETag        string      `cbor:"3,keyasint"`
	BuiltAt     int64       `cbor:"4,keyasint"`
	Size        int64       `cbor:"5,keyasint"`
	Compression Compression `cbor:"6,keyasint"`
	Body        []byte      `cbor:"7,keyasint"`
}

// envelopeHeader decodes everything but the body, for listings.
type envelopeHeader struct {
	Key         string      `cbor:"1,keyasint"`
	ContentType string      `cbor:"2,keyasint"`
	ETag        string      `cbor:"3,keyasint"`
	BuiltAt     int64       `cbor:"4,keyasint"`
	Size        int64       `cbor:"5,keyasint"`
	Compression Compression `cbor:"6,keyasint"`
}

// encodeArtifact serializes art, compressing the body with c when that
// makes it smaller.
func encodeArtifact(art bundle.Artifact, c Compression) ([]byte, error) {
	if art.Size > maxBodySize {
		return nil, fmt.Errorf("artifact of %d bytes exceeds the persistable maximum of %d", art.Size, maxBodySize)
	}
	body, used, err := compressBody(art.Body, c)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(envelope{
		Key:         string(art.Key),
		ContentType: art.ContentType,
		ETag:        art.ETag,
		BuiltAt:     art.BuiltAt.UnixNano(),
		Size:        art.Size,
		Compression: used,
		Body:        body,
	})
}

// decodeArtifact restores an artifact and verifies its body. Every failure
// is reported as CacheCorruption for key.
func decodeArtifact(key bundle.Key, data []byte) (bundle.Artifact, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return bundle.Artifact{}, bundle.Corrupted(key, fmt.Errorf("decode envelope: %w", err))
	}
	if bundle.Key(env.Key) != key {
		return bundle.Artifact{}, bundle.Corrupted(key, fmt.Errorf("envelope holds key %q", env.Key))
	}
	if env.Size < 0 || env.Size > maxBodySize {
		return bundle.Artifact{}, bundle.Corrupted(key, fmt.Errorf("implausible size %d", env.Size))
	}
	body, err := decompressBody(env.Body, env.Compression, int(env.Size))
	if err != nil {
		return bundle.Artifact{}, bundle.Corrupted(key, err)
	}
	art := bundle.Artifact{
		Key:         key,
		Body:        body,
		ContentType: env.ContentType,
		Size:        env.Size,
		ETag:        env.ETag,
		BuiltAt:     time.Unix(0, env.BuiltAt).UTC(),
	}
	if err := art.Verify(); err != nil {
		return bundle.Artifact{}, err
	}
	return art, nil
}

func decodeSummary(data []byte) (EntrySummary, error) {
	var hdr envelopeHeader
	if err := decMode.Unmarshal(data, &hdr); err != nil {
		return EntrySummary{}, err
	}
	return EntrySummary{
		Key:         bundle.Key(hdr.Key),
		Size:        hdr.Size,
		ContentType: hdr.ContentType,
		ETag:        hdr.ETag,
		BuiltAt:     time.Unix(0, hdr.BuiltAt).UTC(),
		Compression: hdr.Compression.String(),
	}, nil
}

func compressBody(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, c, nil
}

func decompressBody(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("body size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		if size > lz4MaxRatio*(len(data)+1) {
			return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(data), size)
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
