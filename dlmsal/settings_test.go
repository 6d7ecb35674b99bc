package dlmsal

import (
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
	"go.uber.org/zap/zaptest"
)

func newTestSettings(t *testing.T, ln bool) *Settings {
	s := NewSettings(ln, base.InterfaceHDLC)
	s.SetLogger(zaptest.NewLogger(t).Sugar())
	return s
}

func TestCheckFrameDuplicate(t *testing.T) {
	s := newTestSettings(t, true)
	if !s.CheckFrame(0x10) {
		t.Fatal("first I-frame rejected")
	}
	if s.CheckFrame(0x10) {
		t.Fatal("duplicate I-frame accepted")
	}
	if got := s.NextSend(true); got != 0x30 {
		t.Fatalf("expected reply control 30, got %02X", got)
	}
	if !s.CheckFrame(0x32) {
		t.Fatal("second I-frame rejected")
	}
}

func TestFrameSequenceSegmentedReply(t *testing.T) {
	s := newTestSettings(t, true)
	s.CheckFrame(0x10)
	if c := s.NextSend(true); c != 0x30 {
		t.Fatalf("first segment %02X", c)
	}
	if !s.CheckFrame(0x31) {
		t.Fatal("RR rejected")
	}
	if c := s.NextSend(false); c != 0x32 {
		t.Fatalf("second segment %02X", c)
	}
	if !s.CheckFrame(0x51) {
		t.Fatal("RR rejected")
	}
	if c := s.NextSend(false); c != 0x34 {
		t.Fatalf("third segment %02X", c)
	}
	if !s.CheckFrame(0x72) {
		t.Fatal("next request rejected")
	}
}

func TestFrameSequenceSegmentedRequest(t *testing.T) {
	s := newTestSettings(t, true)
	if !s.CheckFrame(0x10) {
		t.Fatal("first segment rejected")
	}
	if rr := s.ReceiverReady(); rr != 0x31 {
		t.Fatalf("expected RR 31, got %02X", rr)
	}
	if !s.CheckFrame(0x12) {
		t.Fatal("second segment rejected")
	}
	if c := s.NextSend(true); c != 0x50 {
		t.Fatalf("expected reply control 50, got %02X", c)
	}
	if !s.CheckFrame(0x34) {
		t.Fatal("next request rejected")
	}
}

func TestCheckFrameUnnumbered(t *testing.T) {
	s := newTestSettings(t, true)
	s.CheckFrame(0x10)
	s.NextSend(true)
	if s.CheckFrame(0x73) {
		t.Fatal("UA echo accepted")
	}
	if !s.CheckFrame(0x93) {
		t.Fatal("SNRM rejected")
	}
	if !s.CheckFrame(0x10) {
		t.Fatal("sequence not restarted after SNRM")
	}
}

func TestSetMaxPduSize(t *testing.T) {
	s := newTestSettings(t, true)
	for _, v := range []uint16{1, 32, 63} {
		if err := s.SetMaxPduSize(v); base.KindOf(err) != base.KindRange {
			t.Fatalf("%d: expected range error, got %v", v, err)
		}
	}
	if err := s.SetMaxPduSize(64); err != nil || s.MaxPduSize() != 64 {
		t.Fatalf("64 rejected: %v", err)
	}
	if err := s.SetMaxPduSize(0); err != nil || s.MaxPduSize() != DefaultMaxPduSize {
		t.Fatalf("0 rejected: %v", err)
	}
}

func TestInvokeIdAndBlockIndex(t *testing.T) {
	s := newTestSettings(t, true)
	s.UpdateInvokeId(0xc5)
	if s.InvokeId() != 5 || s.InvokeIdAndPriority() != 0xc5 {
		t.Fatalf("unexpected invoke id %02X", s.InvokeIdAndPriority())
	}
	s.UpdateInvokeId(0x41)
	if s.InvokeIdAndPriority() != 0x41 {
		t.Fatalf("unexpected invoke id %02X", s.InvokeIdAndPriority())
	}

	s.StartingBlockIndex = 1
	s.ResetBlockIndex()
	s.IncreaseBlockIndex()
	s.BlockNumberAck = 7
	if s.BlockIndex() != 2 {
		t.Fatalf("block index %d", s.BlockIndex())
	}
	s.ResetBlockIndex()
	if s.BlockIndex() != 1 || s.BlockNumberAck != 0 {
		t.Fatalf("reset left %d/%d", s.BlockIndex(), s.BlockNumberAck)
	}
}

func TestConformanceSwitch(t *testing.T) {
	s := newTestSettings(t, true)
	if s.ProposedConformance&base.ConformanceBlockGet == 0 || s.ProposedConformance&base.ConformanceBlockGeneralProtection == 0 {
		t.Fatalf("unexpected LN conformance %06X", s.ProposedConformance)
	}
	s.SetUseLogicalNameReferencing(false)
	if s.ProposedConformance&base.ConformanceBlockGet != 0 || s.ProposedConformance&base.ConformanceBlockRead == 0 {
		t.Fatalf("unexpected SN conformance %06X", s.ProposedConformance)
	}
	if s.UseLogicalNameReferencing() {
		t.Fatal("still LN")
	}
}
