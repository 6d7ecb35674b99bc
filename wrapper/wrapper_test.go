package wrapper

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

func TestParseSplitFrame(t *testing.T) {
	f := Frame{Source: 0x10, Destination: 1, Payload: []byte{0xc0, 0x01, 0xc1, 0x00, 0x08}}
	raw, err := f.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[:8], []byte{0, 1, 0, 0x10, 0, 1, 0, 5}) {
		t.Fatalf("unexpected header % X", raw[:8])
	}

	src := buffer.New()
	src.Set(raw[:6])
	if _, err := Parse(src); base.KindOf(err) != base.KindInsufficientData {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	src.Set(raw[6:10])
	if _, err := Parse(src); base.KindOf(err) != base.KindInsufficientData {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if src.Position() != 0 {
		t.Fatalf("cursor moved on incomplete frame: %d", src.Position())
	}
	src.Set(raw[10:])
	got, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != 0x10 || got.Destination != 1 || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("unexpected frame %+v", got)
	}
	if src.Available() != 0 {
		t.Fatalf("%d bytes left", src.Available())
	}
}

func TestParseInvalidVersion(t *testing.T) {
	src := buffer.NewFrom([]byte{0, 2, 0, 1, 0, 1, 0, 0})
	if _, err := Parse(src); base.KindOf(err) != base.KindInvalidFrame {
		t.Fatalf("expected invalid frame, got %v", err)
	}
}
