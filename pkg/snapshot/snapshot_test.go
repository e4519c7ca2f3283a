package snapshot

import (
	"bytes"
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
)

func compressible(n int) []byte {
	return bytes.Repeat([]byte("lockstep world state "), n/21+1)[:n]
}

func TestEncodeDecodeAllTags(t *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("x"),
		compressible(10_000),
	}

	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		for _, in := range inputs {
			envelope, err := Encode(in, tag)
			if err != nil {
				t.Fatalf("%s: encode %d bytes: %v", tag, len(in), err)
			}
			out, err := Decode(envelope)
			if err != nil {
				t.Fatalf("%s: decode %d bytes: %v", tag, len(in), err)
			}
			if !bytes.Equal(in, out) {
				t.Fatalf("%s: round trip mismatch for %d bytes", tag, len(in))
			}
		}
	}
}

func TestCompressionShrinksRepetitiveWorlds(t *testing.T) {
	world := compressible(100_000)
	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		envelope, err := Encode(world, tag)
		if err != nil {
			t.Fatalf("%s: %v", tag, err)
		}
		if CompressionTag(envelope[0]) != tag {
			t.Fatalf("%s: stored tag %s", tag, CompressionTag(envelope[0]))
		}
		if len(envelope) >= len(world) {
			t.Fatalf("%s: envelope of %d bytes not smaller than %d", tag, len(envelope), len(world))
		}
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	envelope, err := Encode([]byte{1, 2, 3}, CompressionZstd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if CompressionTag(envelope[0]) != CompressionNone {
		t.Fatalf("expected tag none, got %s", CompressionTag(envelope[0]))
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	envelope, err := Encode(compressible(5000), CompressionZstd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := map[string][]byte{
		"short":     envelope[:10],
		"truncated": envelope[:len(envelope)-3],
	}

	flipped := append([]byte(nil), envelope...)
	flipped[10] ^= 0xFF
	cases["digest"] = flipped

	badTag := append([]byte(nil), envelope...)
	badTag[0] = 9
	cases["tag"] = badTag

	for name, in := range cases {
		_, err := Decode(in)
		var corrupt *errors.CorruptSnapshot
		if !goerrs.As(err, &corrupt) {
			t.Fatalf("%s: expected CorruptSnapshot, got %v", name, err)
		}
	}
}

func TestParseCompressionTag(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompressionTag(tag.String())
		if err != nil || parsed != tag {
			t.Fatalf("parse %q: %v %v", tag.String(), parsed, err)
		}
	}
	if _, err := ParseCompressionTag("brotli"); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}
