package buffer

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/google/go-cmp/cmp"
)

func TestRoundTripWidths(t *testing.T) {
	b := New()
	b.SetUInt8(0xab)
	b.SetUInt16(0x1234)
	b.SetUInt24(0x56789a)
	b.SetUInt32(0xdeadbeef)
	b.SetUInt64(0x0102030405060708)
	b.SetInt8(-2)
	b.SetInt16(-300)
	b.SetInt32(-70000)
	b.SetInt64(math.MinInt64)
	b.SetFloat(1.5)
	b.SetDouble(-2.25)

	if b.Size() != 1+2+3+4+8+1+2+4+8+4+8 {
		t.Fatalf("unexpected size %d", b.Size())
	}

	u8, err := b.GetUInt8()
	if err != nil || u8 != 0xab {
		t.Fatalf("uint8: %v %v", u8, err)
	}
	u16, err := b.GetUInt16()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("uint16: %v %v", u16, err)
	}
	u24, err := b.GetUInt24()
	if err != nil || u24 != 0x56789a {
		t.Fatalf("uint24: %v %v", u24, err)
	}
	u32, err := b.GetUInt32()
	if err != nil || u32 != 0xdeadbeef {
		t.Fatalf("uint32: %v %v", u32, err)
	}
	u64, err := b.GetUInt64()
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("uint64: %v %v", u64, err)
	}
	i8, _ := b.GetInt8()
	i16, _ := b.GetInt16()
	i32, _ := b.GetInt32()
	i64, _ := b.GetInt64()
	if i8 != -2 || i16 != -300 || i32 != -70000 || i64 != math.MinInt64 {
		t.Fatalf("signed values: %d %d %d %d", i8, i16, i32, i64)
	}
	f, _ := b.GetFloat()
	d, err := b.GetDouble()
	if err != nil || f != 1.5 || d != -2.25 {
		t.Fatalf("floats: %v %v %v", f, d, err)
	}
	if b.Available() != 0 {
		t.Fatalf("expected everything consumed, %d left", b.Available())
	}
}

func TestBigEndianLayout(t *testing.T) {
	b := New()
	b.SetUInt24(0x010203)
	b.SetUInt32(0x04050607)
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7}, b.Array()); diff != "" {
		t.Fatalf("layout mismatch (-want +got):\n%s", diff)
	}
}

func TestReadPastEnd(t *testing.T) {
	b := NewFrom([]byte{1, 2, 3})
	_, err := b.GetUInt32()
	if !errors.Is(err, base.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if base.KindOf(err) != base.KindInsufficientData {
		t.Fatalf("unexpected kind %v", base.KindOf(err))
	}
	if b.Position() != 0 {
		t.Fatalf("failed read moved position to %d", b.Position())
	}
}

func TestTrim(t *testing.T) {
	b := NewFrom([]byte{1, 2, 3, 4, 5})
	_, _ = b.GetUInt16()
	b.Trim()
	if b.Position() != 0 || b.Size() != 3 {
		t.Fatalf("after trim position %d size %d", b.Position(), b.Size())
	}
	if !bytes.Equal(b.Array(), []byte{3, 4, 5}) {
		t.Fatalf("after trim content %x", b.Array())
	}
	b.Trim()
	if b.Position() != 0 || b.Size() != 3 || !bytes.Equal(b.Array(), []byte{3, 4, 5}) {
		t.Fatalf("second trim changed buffer: %d %d %x", b.Position(), b.Size(), b.Array())
	}

	_, _ = b.GetBytes(3)
	b.Trim()
	if b.Size() != 0 || b.Position() != 0 {
		t.Fatalf("trim of consumed buffer left %d %d", b.Size(), b.Position())
	}
}

func TestCompare(t *testing.T) {
	b := NewFrom([]byte{0xe6, 0xe6, 0x00, 0xc0})
	if b.Compare([]byte{0xe6, 0xe7, 0x00}) {
		t.Fatal("mismatching prefix reported equal")
	}
	if b.Position() != 0 {
		t.Fatalf("mismatch moved position to %d", b.Position())
	}
	if !b.Compare([]byte{0xe6, 0xe6, 0x00}) {
		t.Fatal("matching prefix reported different")
	}
	if b.Position() != 3 {
		t.Fatalf("match left position at %d", b.Position())
	}
	if b.Compare([]byte{0xc0, 0x01}) {
		t.Fatal("compare past the end succeeded")
	}
}

func TestMove(t *testing.T) {
	b := NewFrom([]byte{1, 2, 3, 4})
	if err := b.Move(0, 2, 4); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 1, 2, 3, 4}, b.Array()); diff != "" {
		t.Fatalf("move mismatch (-want +got):\n%s", diff)
	}
	if err := b.Move(4, 0, 5); err == nil {
		t.Fatal("expected out of range move to fail")
	}
}

func TestCapacityShrink(t *testing.T) {
	b := NewFrom([]byte{1, 2, 3, 4, 5, 6})
	_ = b.SetPosition(5)
	b.SetCapacity(3)
	if b.Capacity() != 3 || b.Size() != 3 || b.Position() != 3 {
		t.Fatalf("capacity %d size %d position %d", b.Capacity(), b.Size(), b.Position())
	}
	if err := b.SetPosition(4); err == nil {
		t.Fatal("position past size accepted")
	}
}

func TestSetBuffer(t *testing.T) {
	src := NewFrom([]byte{9, 8, 7, 6})
	_, _ = src.GetUInt8()
	dst := New()
	dst.SetBuffer(src, 2)
	if !bytes.Equal(dst.Array(), []byte{8, 7}) || src.Position() != 3 {
		t.Fatalf("dst %x src position %d", dst.Array(), src.Position())
	}
	dst.SetBuffer(src, -1)
	if !bytes.Equal(dst.Array(), []byte{8, 7, 6}) || src.Available() != 0 {
		t.Fatalf("dst %x src available %d", dst.Array(), src.Available())
	}
}

func TestPatchAt(t *testing.T) {
	b := New()
	b.SetUInt8(0xc4)
	b.SetUInt16(0)
	b.SetUInt8(0xff)
	if err := b.SetUInt16At(1, 0x0102); err != nil {
		t.Fatal(err)
	}
	if err := b.SetAt(3, 0x03); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Array(), []byte{0xc4, 1, 2, 3}) {
		t.Fatalf("patched %x", b.Array())
	}
	if err := b.SetAt(4, 0); err == nil {
		t.Fatal("write past size accepted")
	}
}

func TestStrings(t *testing.T) {
	b := NewFrom([]byte{'a', 'b', 'c', 0x00, 0x41, 0x00, 0x42})
	s, err := b.GetString(0, 3)
	if err != nil || s != "abc" {
		t.Fatalf("string %q %v", s, err)
	}
	u, err := b.GetStringUnicode(3, 4)
	if err != nil || u != "AB" {
		t.Fatalf("unicode %q %v", u, err)
	}
	if _, err := b.GetString(5, 4); err == nil {
		t.Fatal("string past end accepted")
	}
	if !IsAsciiString([]byte("hello\r\n")) || IsAsciiString([]byte{0x80}) {
		t.Fatal("ascii detection")
	}
	if got := b.ToHex(true, 0, 3); got != "61 62 63" {
		t.Fatalf("hex %q", got)
	}
	if got := ToHex([]byte{0xc0, 0x01}, false); got != "C001" {
		t.Fatalf("hex %q", got)
	}
	raw, err := HexToBytes("C0 01 c1")
	if err != nil || !bytes.Equal(raw, []byte{0xc0, 0x01, 0xc1}) {
		t.Fatalf("hex decode %x %v", raw, err)
	}
}
