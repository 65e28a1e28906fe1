package gateway

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestDecompressBytes_Gzip(t *testing.T) {
	in := []byte("hello gzip")
	encoded := mustGzip(t, in)

	out, err := decompressBytes(encoded, "gzip", 1024)
	if err != nil {
		t.Fatalf("decompressBytes: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("unexpected output: %q", string(out))
	}
}

func TestDecompressBytes_Brotli(t *testing.T) {
	in := []byte("hello brotli")
	encoded := mustBrotli(t, in)

	out, err := decompressBytes(encoded, "br", 1024)
	if err != nil {
		t.Fatalf("decompressBytes: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("unexpected output: %q", string(out))
	}
}

func TestDecompressBytes_TooLarge(t *testing.T) {
	in := bytes.Repeat([]byte("a"), 128)
	encoded := mustGzip(t, in)

	_, err := decompressBytes(encoded, "gzip", 64)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecompressBytes_UnsupportedEncoding(t *testing.T) {
	_, err := decompressBytes([]byte("raw"), "zstd", 1024)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func mustGzip(t *testing.T, in []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func mustBrotli(t *testing.T, in []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		t.Fatalf("brotli write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("brotli close: %v", err)
	}
	return buf.Bytes()
}
