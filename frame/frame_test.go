package frame

import (
	"bytes"
	"testing"

	"github.com/xtaci/sockcm"
)

func TestPackDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		status  uint8
	}{
		{"empty", nil, 0},
		{"hello", []byte("hello"), 0},
		{"rejected", []byte{}, uint8(sockcm.StatusRejected)},
		{"max", bytes.Repeat([]byte{0x5a}, 2048), 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, HeaderSize+2048)
			n, err := PackOutgoing(buf, c.payload, c.status, 2048)
			if err != nil {
				t.Fatalf("PackOutgoing: %v", err)
			}

			hdr := DecodeHeader(buf)
			if int(hdr.Length) != len(c.payload) {
				t.Fatalf("length mismatch: got %d want %d", hdr.Length, len(c.payload))
			}
			if hdr.Status != c.status {
				t.Fatalf("status mismatch: got %d want %d", hdr.Status, c.status)
			}
			if hdr.TotalLen() != n {
				t.Fatalf("total len mismatch: got %d want %d", hdr.TotalLen(), n)
			}
			if !bytes.Equal(Payload(buf, hdr), c.payload) {
				t.Fatalf("payload mismatch: got %v want %v", Payload(buf, hdr), c.payload)
			}
		})
	}
}

func TestPackOutgoingTooLarge(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	_, err := PackOutgoing(buf, []byte("too big"), 0, 4)
	if sockcm.StatusOf(err) != sockcm.StatusBufferTooSmall {
		t.Fatalf("expected StatusBufferTooSmall, got %v", err)
	}
}

func TestDecodeHeaderAfterThreeBytes(t *testing.T) {
	buf := make([]byte, HeaderSize+5)
	if _, err := PackOutgoing(buf, []byte("world"), 0, 5); err != nil {
		t.Fatalf("PackOutgoing: %v", err)
	}

	// simulate a partial read: only the header bytes have arrived so far.
	hdr := DecodeHeader(buf[:HeaderSize])
	if hdr.TotalLen() != HeaderSize+5 {
		t.Fatalf("expected total len %d, got %d", HeaderSize+5, hdr.TotalLen())
	}
}
