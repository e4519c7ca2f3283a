// Package snapshot wraps serialized worlds for transfer: optionally
// compressed, always checksummed.
//
// Envelope layout (little-endian):
//
//	tag u8 | uncompressed size u32 | blake3-256 digest of uncompressed bytes | payload
package snapshot

import (
	"bytes"
	goerrs "errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
)

type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

const digestSize = 32

// tag + size + digest
const headerSize = 1 + 4 + digestSize

// MaxWorldSize caps the uncompressed size a decoder will allocate for.
const MaxWorldSize = 1 << 30

var errIncompressible = goerrs.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

func Digest(data []byte) [digestSize]byte {
	return blake3.Sum256(data)
}

// Encode wraps world. If the requested compression does not shrink the
// data, the payload is stored uncompressed and tagged accordingly.
func Encode(world []byte, tag CompressionTag) ([]byte, error) {
	if len(world) > MaxWorldSize {
		return nil, fmt.Errorf("snapshot: world of %d bytes exceeds limit %d", len(world), MaxWorldSize)
	}

	payload, err := compress(world, tag)
	if goerrs.Is(err, errIncompressible) {
		tag, payload, err = CompressionNone, world, nil
	}
	if err != nil {
		return nil, err
	}

	digest := Digest(world)
	out := make([]byte, 0, headerSize+len(payload))
	out = wire.AppendUint8(out, uint8(tag))
	out = wire.AppendUint32(out, uint32(len(world)))
	out = append(out, digest[:]...)
	return append(out, payload...), nil
}

// Decode unwraps an envelope produced by Encode and verifies its digest.
func Decode(envelope []byte) ([]byte, error) {
	if len(envelope) < headerSize {
		return nil, &errors.CorruptSnapshot{Reason: fmt.Sprintf("envelope too short (%d bytes)", len(envelope))}
	}

	r := wire.NewReader(envelope[:5], "Snapshot")
	tagNum, _ := r.Uint8("Tag")
	size, _ := r.Uint32("UncompressedSize")
	if size > MaxWorldSize {
		return nil, &errors.CorruptSnapshot{Reason: fmt.Sprintf("announced size %d exceeds limit", size)}
	}
	digest := envelope[5:headerSize]
	payload := envelope[headerSize:]

	world, err := decompress(payload, CompressionTag(tagNum), int(size))
	if err != nil {
		return nil, &errors.CorruptSnapshot{Reason: err.Error()}
	}

	actual := Digest(world)
	if !bytes.Equal(actual[:], digest) {
		return nil, &errors.CorruptSnapshot{Reason: "digest mismatch"}
	}
	return world, nil
}

func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompress(payload []byte, tag CompressionTag, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
