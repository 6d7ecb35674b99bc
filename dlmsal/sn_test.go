package dlmsal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newSNObject places a data object with three attributes and one method at 0xA0, so
// attribute 2 is 0xA8 and method 1 is 0xB8.
func newSNObject() *testObject {
	o := newTestObject(ClassData, "0-0:96.1.0.255", VisibleString("ABC"), Unsigned(7))
	o.sn = 0xA0
	o.methods = 1
	o.ret = Unsigned(6)
	return o
}

func TestShortNameIndex(t *testing.T) {
	o := newSNObject()
	x := NewShortNameIndex([]Object{o, newTestObject(ClassData, "0-0:96.1.1.255")})
	if x.Len() != 1 {
		t.Fatalf("indexed %d objects", x.Len())
	}
	tests := []struct {
		sn       uint16
		index    int
		isAction bool
		ok       bool
	}{
		{0xA0, 1, false, true},
		{0xA8, 2, false, true},
		{0xB0, 3, false, true},
		{0xB8, 1, true, true},
		{0xA4, 0, false, false},
		{0xC0, 0, false, false},
		{0x98, 0, false, false},
	}
	for _, tt := range tests {
		obj, index, isAction, ok := x.Find(tt.sn)
		if ok != tt.ok || index != tt.index || isAction != tt.isAction {
			t.Fatalf("%04X: got %d %v %v", tt.sn, index, isAction, ok)
		}
		if ok && obj != Object(o) {
			t.Fatalf("%04X resolved to another object", tt.sn)
		}
	}
}

func TestSNRead(t *testing.T) {
	h := newAssociatedHandler(t, false, newSNObject())

	reply, _ := exchange(t, h, nil, unhex(t, "05 01 02 00 A8"))
	expectReply(t, reply, unhex(t, "0C 01 00 0A 03 41 42 43"))

	reply, _ = exchange(t, h, nil, unhex(t, "05 02 02 00 B0 02 01 00"))
	expectReply(t, reply, unhex(t, "0C 02 00 11 07 01 04"))
}

func TestSNReadInvokesMethod(t *testing.T) {
	o := newSNObject()
	h := newAssociatedHandler(t, false, o)

	reply, _ := exchange(t, h, nil, unhex(t, "05 01 04 00 B8 00 11 05"))
	expectReply(t, reply, unhex(t, "0C 01 00 11 06"))
	if len(o.params) != 1 || o.params[0] != Unsigned(5) {
		t.Fatalf("unexpected parameters %v", o.params)
	}
}

func TestSNWrite(t *testing.T) {
	o := newSNObject()
	h := newAssociatedHandler(t, false, o)

	reply, _ := exchange(t, h, nil, unhex(t, "06 01 02 00 A8 01 0A 01 5A"))
	expectReply(t, reply, unhex(t, "0D 01 00"))
	if o.values[1] != VisibleString("Z") {
		t.Fatalf("value not written: %v", o.values[1])
	}

	reply, _ = exchange(t, h, nil, unhex(t, "06 02 02 00 A0 02 01 00 02 09 00 11 01"))
	expectReply(t, reply, unhex(t, "0D 02 01 03 01 04"))
}

func TestSNReadBlocks(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	o := newSNObject()
	o.values[1] = OctetString(big)
	h := newAssociatedHandler(t, false, o)
	_ = h.Settings().SetMaxPduSize(64)

	reply, tx := exchange(t, h, nil, unhex(t, "05 01 02 00 A8"))
	var got []byte
	for n := 1; ; n++ {
		if len(reply) < 7 || reply[0] != 0x0C || reply[1] != 1 || reply[2] != 2 || len(reply) > 64 {
			t.Fatalf("unexpected block reply %X", reply)
		}
		if int(reply[4])<<8|int(reply[5]) != n || int(reply[6]) != len(reply)-7 {
			t.Fatalf("malformed block %d: %X", n, reply)
		}
		got = append(got, reply[7:]...)
		if reply[3] != 0 {
			break
		}
		reply, tx = exchange(t, h, tx, []byte{0x05, 0x01, 0x05, byte(n >> 8), byte(n)})
	}
	if tx != nil {
		t.Fatal("transaction left open")
	}
	want := concat(unhex(t, "01 00"), encoded(t, OctetString(big)))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reassembled read differs:\n%s", diff)
	}

	reply, _ = exchange(t, h, nil, unhex(t, "05 01 05 00 01"))
	expectReply(t, reply, unhex(t, "0C 01 01 10"))
}

func TestSNReadDataBlockRequest(t *testing.T) {
	h := newAssociatedHandler(t, false, newSNObject())

	reply, tx := exchange(t, h, nil, unhex(t, "05 01 06 00 00 01 02 01 02"))
	expectReply(t, reply, unhex(t, "0C 01 03 00 01"))
	reply, tx = exchange(t, h, tx, unhex(t, "05 01 06 01 00 02 02 00 A8"))
	expectReply(t, reply, unhex(t, "0C 01 00 0A 03 41 42 43"))
	if tx != nil {
		t.Fatal("transaction left open")
	}
}

func TestSNWriteDataBlocks(t *testing.T) {
	o := newSNObject()
	h := newAssociatedHandler(t, false, o)

	reply, tx := exchange(t, h, nil, unhex(t, "06 01 07 00 00 01 01 09 04 01 02 00 A8"))
	expectReply(t, reply, unhex(t, "0D 01 02 00 01"))
	reply, tx = exchange(t, h, tx, unhex(t, "06 01 07 01 00 02 01 09 04 01 0A 01 5A"))
	expectReply(t, reply, unhex(t, "0D 01 00"))
	if tx != nil {
		t.Fatal("transaction left open")
	}
	if o.values[1] != VisibleString("Z") {
		t.Fatalf("value not written: %v", o.values[1])
	}

	_, tx = exchange(t, h, nil, unhex(t, "06 01 07 00 00 01 01 09 04 01 02 00 A8"))
	reply, _ = exchange(t, h, tx, unhex(t, "06 01 07 01 00 05 01 09 04 01 0A 01 5A"))
	expectReply(t, reply, unhex(t, "0D 01 01 13"))
}

func TestShortNameIndexTopOfRange(t *testing.T) {
	low := newSNObject()
	low.sn = 0xFFD0
	// method 1 of this one would sit at 0x10000
	high := newSNObject()
	high.sn = 0xFFE8
	x := NewShortNameIndex([]Object{low, high})
	if x.Len() != 1 {
		t.Fatalf("indexed %d objects", x.Len())
	}
	obj, index, isAction, ok := x.Find(0xFFE8)
	if !ok || obj != Object(low) || index != 1 || !isAction {
		t.Fatalf("FFE8: got %d %v %v", index, isAction, ok)
	}
	if _, _, _, ok := x.Find(0xFFF0); ok {
		t.Fatal("FFF0 resolved")
	}
}
