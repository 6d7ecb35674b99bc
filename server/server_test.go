package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/hdlc"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

const (
	aarq = "60 1D A1 09 06 07 60 85 74 05 08 01 01 BE 10 04 0E 01 00 00 00 06 5F 1F 04 00 00 7E 1F 04 B0"
	aare = "61 29 A1 09 06 07 60 85 74 05 08 01 01 A2 03 02 01 00 A3 05 A1 03 02 01 00" +
		" BE 10 04 0E 08 00 06 5F 1F 04 00 00 3E 1D 04 00 00 07"
	getSerial   = "C0 01 C1 00 01 00 00 60 01 00 FF 02 00"
	serialReply = "C4 01 C1 00 0A 03 41 42 43"
	llcRequest  = "E6 E6 00 "
	llcReply    = "E6 E7 00 "
)

type testObject struct {
	class  uint16
	ln     dlmsal.DlmsObis
	values []dlmsal.DlmsData
}

func newTestObject(class uint16, ln string, values ...dlmsal.DlmsData) *testObject {
	o := &testObject{class: class, ln: dlmsal.MustObis(ln)}
	o.values = append([]dlmsal.DlmsData{dlmsal.OctetString(o.ln.Bytes())}, values...)
	return o
}

func (o *testObject) ClassId() uint16              { return o.class }
func (o *testObject) Version() byte                { return 0 }
func (o *testObject) LogicalName() dlmsal.DlmsObis { return o.ln }
func (o *testObject) ShortName() uint16            { return 0 }
func (o *testObject) AttributeCount() int          { return len(o.values) }
func (o *testObject) MethodCount() int             { return 0 }

func (o *testObject) AttributeType(index int) dlmsal.DataTag {
	return dlmsal.TagNull
}

func (o *testObject) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	return o.values[e.Index-1], nil
}

func (o *testObject) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	o.values[e.Index-1] = e.Value
	return nil
}

func (o *testObject) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	return dlmsal.Null{}, nil
}

func serialObject() *testObject {
	return newTestObject(dlmsal.ClassData, "0-0:96.1.0.255", dlmsal.VisibleString("ABC"))
}

func newTestServer(t *testing.T, iface base.InterfaceType, objects ...dlmsal.Object) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Interface = iface
	cfg.Handler.Resolver = dlmsal.ObjectList(objects)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetLogger(zaptest.NewLogger(t).Sugar())
	return s
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := buffer.HexToBytes(s)
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

func clientFrame(t *testing.T, control byte, segmented bool, info []byte) []byte {
	t.Helper()
	f := hdlc.Frame{
		Destination: hdlc.Address{Logical: 1},
		Source:      hdlc.Address{Logical: 0x10},
		Control:     control,
		Segmented:   segmented,
		Info:        info,
	}
	b, err := f.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func parseFrames(t *testing.T, data []byte) []*hdlc.Frame {
	t.Helper()
	b := buffer.NewFrom(data)
	var ret []*hdlc.Frame
	for b.Available() > 0 {
		f, err := hdlc.Parse(b)
		if err != nil {
			t.Fatalf("reply %X: %v", data, err)
		}
		ret = append(ret, f)
	}
	return ret
}

func request(t *testing.T, s *Server, data []byte) []byte {
	t.Helper()
	reply, err := s.HandleRequest(data)
	if err != nil {
		t.Fatalf("request %X: %v", data, err)
	}
	return reply
}

// single sends one frame and expects one frame back.
func single(t *testing.T, s *Server, data []byte) *hdlc.Frame {
	t.Helper()
	frames := parseFrames(t, request(t, s, data))
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	return frames[0]
}

func expectFrame(t *testing.T, f *hdlc.Frame, control byte, segmented bool, info []byte) {
	t.Helper()
	if f.Control != control || f.Segmented != segmented {
		t.Fatalf("unexpected frame %02X segmented=%v, want %02X segmented=%v", f.Control, f.Segmented, control, segmented)
	}
	if diff := cmp.Diff(info, f.Info); diff != "" {
		t.Fatalf("unexpected information field (-want +got):\n%s", diff)
	}
}

// connect runs SNRM and AARQ, the AARE goes out as 0x30.
func connect(t *testing.T, s *Server, snrm []byte) {
	t.Helper()
	ua := single(t, s, clientFrame(t, hdlc.ControlSNRM, false, snrm))
	if ua.Control != hdlc.ControlUA {
		t.Fatalf("expected UA, got %02X", ua.Control)
	}
	f := single(t, s, clientFrame(t, 0x10, false, unhex(t, llcRequest+aarq)))
	expectFrame(t, f, 0x30, false, unhex(t, llcReply+aare))
	if !s.Settings().Associated() {
		t.Fatal("not associated")
	}
}

func TestSNRMAndDisconnect(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())

	ua := single(t, s, clientFrame(t, hdlc.ControlSNRM, false, nil))
	expectFrame(t, ua, hdlc.ControlUA, false, hdlc.DefaultLimits().UA())
	if ua.Destination.Logical != 0x10 || ua.Source.Logical != 1 {
		t.Fatalf("unexpected addressing %v -> %v", ua.Source, ua.Destination)
	}
	if s.Settings().Connected != base.ConnectionStateHdlc {
		t.Fatalf("connection state %v", s.Settings().Connected)
	}

	f := single(t, s, clientFrame(t, hdlc.ControlDISC, false, nil))
	expectFrame(t, f, hdlc.ControlUA, false, nil)
	if s.Settings().Connected != base.ConnectionStateNone {
		t.Fatalf("connection state %v after DISC", s.Settings().Connected)
	}

	f = single(t, s, clientFrame(t, hdlc.ControlDISC, false, nil))
	expectFrame(t, f, hdlc.ControlDM, false, nil)
}

func TestSNRMNegotiation(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC)
	ua := single(t, s, clientFrame(t, hdlc.ControlSNRM, false, unhex(t, "81 80 06 05 01 80 06 01 40")))
	want := hdlc.Limits{MaxInfoTX: 0x40, MaxInfoRX: 0x80, WindowTX: 1, WindowRX: 1}
	expectFrame(t, ua, hdlc.ControlUA, false, want.UA())

	dm := single(t, s, clientFrame(t, hdlc.ControlSNRM, false, unhex(t, "81 80 03 05 01 10")))
	expectFrame(t, dm, hdlc.ControlDM, false, nil)
}

func TestIFrameBeforeSNRM(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	f := single(t, s, clientFrame(t, 0x10, false, unhex(t, llcRequest+aarq)))
	expectFrame(t, f, hdlc.ControlDM, false, nil)
	if s.Settings().Associated() {
		t.Fatal("associated without a link")
	}
}

func TestFrameForOtherServerIgnored(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC)
	f := hdlc.Frame{Destination: hdlc.Address{Logical: 2}, Source: hdlc.Address{Logical: 0x10}, Control: hdlc.ControlSNRM}
	b, _ := f.Bytes()
	if reply := request(t, s, b); reply != nil {
		t.Fatalf("unexpected reply %X", reply)
	}
}

func TestGetOverHdlc(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	connect(t, s, nil)

	get := clientFrame(t, 0x32, false, unhex(t, llcRequest+getSerial))
	f := single(t, s, get)
	expectFrame(t, f, 0x52, false, unhex(t, llcReply+serialReply))

	// a repeated frame is dropped without an answer
	if reply := request(t, s, get); reply != nil {
		t.Fatalf("duplicate answered with %X", reply)
	}

	// RR with nothing pending is a keep alive
	rr := single(t, s, clientFrame(t, 0x51, false, nil))
	expectFrame(t, rr, 0x51, false, nil)
}

func TestPartialInput(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC)
	snrm := clientFrame(t, hdlc.ControlSNRM, false, nil)
	data := append([]byte{0x00, 0x01}, snrm...)
	if reply := request(t, s, data[:6]); reply != nil {
		t.Fatalf("reply %X to a partial frame", reply)
	}
	ua := single(t, s, data[6:])
	if ua.Control != hdlc.ControlUA {
		t.Fatalf("expected UA, got %02X", ua.Control)
	}
}

// bigObject serves 150 bytes, its Get reply spans four frames of 48 bytes.
func bigObject() (*testObject, []byte) {
	big := bytes.Repeat([]byte{0x5a}, 150)
	return newTestObject(dlmsal.ClassData, "0-0:96.1.0.255", dlmsal.OctetString(big)), big
}

func TestSegmentedReply(t *testing.T) {
	o, big := bigObject()
	s := newTestServer(t, base.InterfaceHDLC, o)
	connect(t, s, unhex(t, "81 80 03 06 01 30"))

	want := append(unhex(t, llcReply+"C4 01 C1 00 09 81 96"), big...)
	var got []byte

	f := single(t, s, clientFrame(t, 0x32, false, unhex(t, llcRequest+getSerial)))
	expectFrame(t, f, 0x52, true, want[:48])
	got = append(got, f.Info...)
	for _, step := range []struct {
		rr        byte
		control   byte
		segmented bool
	}{
		{0x51, 0x54, true},
		{0x71, 0x56, true},
		{0x91, 0x58, false},
	} {
		f = single(t, s, clientFrame(t, step.rr, false, nil))
		if f.Control != step.control || f.Segmented != step.segmented {
			t.Fatalf("after RR %02X: frame %02X segmented=%v", step.rr, f.Control, f.Segmented)
		}
		got = append(got, f.Info...)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reassembled reply differs:\n%s", diff)
	}

	f = single(t, s, clientFrame(t, 0xB4, false, unhex(t, llcRequest+"C0 01 C1 00 01 00 00 60 01 00 FF 01 00")))
	expectFrame(t, f, 0x7A, false, unhex(t, llcReply+"C4 01 C1 00 09 06 00 00 60 01 00 FF"))
}

func TestSegmentedReplyWindow(t *testing.T) {
	o, _ := bigObject()
	s := newTestServer(t, base.InterfaceHDLC, o)
	s.config.Limits.WindowTX = 7
	connect(t, s, unhex(t, "81 80 09 06 01 30 08 04 00 00 00 02"))

	frames := parseFrames(t, request(t, s, clientFrame(t, 0x32, false, unhex(t, llcRequest+getSerial))))
	if len(frames) != 2 {
		t.Fatalf("window of %d frames", len(frames))
	}
	if frames[0].Control != 0x42 || !frames[0].Segmented {
		t.Fatalf("first frame %02X", frames[0].Control)
	}
	if frames[1].Control != 0x54 || !frames[1].Segmented {
		t.Fatalf("last frame of the window %02X", frames[1].Control)
	}

	frames = parseFrames(t, request(t, s, clientFrame(t, 0x71, false, nil)))
	if len(frames) != 2 || frames[0].Control != 0x46 || frames[1].Control != 0x58 || frames[1].Segmented {
		t.Fatalf("unexpected second window %+v", frames)
	}
}

func TestSegmentedRequest(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	connect(t, s, nil)

	req := unhex(t, llcRequest+getSerial)
	rr := single(t, s, clientFrame(t, 0x32, true, req[:8]))
	expectFrame(t, rr, 0x51, false, nil)

	f := single(t, s, clientFrame(t, 0x34, false, req[8:]))
	expectFrame(t, f, 0x72, false, unhex(t, llcReply+serialReply))
}

func TestInvalidLLCRejects(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	connect(t, s, nil)

	reply, err := s.HandleRequest(clientFrame(t, 0x32, false, unhex(t, getSerial)))
	if err == nil {
		t.Fatal("invalid LLC header accepted")
	}
	frames := parseFrames(t, reply)
	if len(frames) != 1 || frames[0].Control != hdlc.ControlFRMR {
		t.Fatalf("expected FRMR, got %X", reply)
	}
	if s.Settings().Connected != base.ConnectionStateNone {
		t.Fatal("session not reset")
	}
}

func wrapperFrame(t *testing.T, dst uint16, apdu string) []byte {
	t.Helper()
	p := unhex(t, apdu)
	return append([]byte{0, 1, 0, 0x10, byte(dst >> 8), byte(dst), byte(len(p) >> 8), byte(len(p))}, p...)
}

func wrapperReply(t *testing.T, apdu string) []byte {
	t.Helper()
	p := unhex(t, apdu)
	return append([]byte{0, 1, 0, 1, 0, 0x10, byte(len(p) >> 8), byte(len(p))}, p...)
}

func TestWrapperRoundTrip(t *testing.T) {
	s := newTestServer(t, base.InterfaceWrapper, serialObject())

	if diff := cmp.Diff(wrapperReply(t, aare), request(t, s, wrapperFrame(t, 1, aarq))); diff != "" {
		t.Fatalf("unexpected AARE:\n%s", diff)
	}

	req := wrapperFrame(t, 1, getSerial)
	if reply := request(t, s, req[:5]); reply != nil {
		t.Fatalf("reply %X to a partial frame", reply)
	}
	if diff := cmp.Diff(wrapperReply(t, serialReply), request(t, s, req[5:])); diff != "" {
		t.Fatalf("unexpected Get reply:\n%s", diff)
	}

	if reply := request(t, s, wrapperFrame(t, 2, getSerial)); reply != nil {
		t.Fatalf("frame for another port answered with %X", reply)
	}
}

func TestWrapperCipheredWithoutSecurity(t *testing.T) {
	s := newTestServer(t, base.InterfaceWrapper, serialObject())
	request(t, s, wrapperFrame(t, 1, aarq))

	for _, apdu := range []string{"D0 05 30 00 00 00 01", "C8 05 30 00 00 00 01"} {
		got := request(t, s, wrapperFrame(t, 1, apdu))
		if diff := cmp.Diff(wrapperReply(t, "D8 01 05"), got); diff != "" {
			t.Fatalf("%s: unexpected reply:\n%s", apdu, diff)
		}
	}
}

func TestWrapperRejectResets(t *testing.T) {
	s := newTestServer(t, base.InterfaceWrapper, serialObject())
	request(t, s, wrapperFrame(t, 1, aarq))

	reply, err := s.HandleRequest(wrapperFrame(t, 1, ""))
	if err == nil {
		t.Fatal("empty apdu accepted")
	}
	if diff := cmp.Diff(wrapperReply(t, "D8 01 01"), reply); diff != "" {
		t.Fatalf("unexpected reject:\n%s", diff)
	}
	if s.Settings().Associated() {
		t.Fatal("session not reset")
	}
}

func TestReset(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	connect(t, s, nil)
	s.Reset()
	if s.Settings().Connected != base.ConnectionStateNone {
		t.Fatal("still connected")
	}
	f := single(t, s, clientFrame(t, 0x32, false, unhex(t, llcRequest+getSerial)))
	expectFrame(t, f, hdlc.ControlDM, false, nil)
}

func TestDataNotificationMessages(t *testing.T) {
	s := newTestServer(t, base.InterfaceWrapper)
	msgs, err := s.GenerateDataNotificationMessages(nil, dlmsal.Unsigned(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("%d messages", len(msgs))
	}
	if diff := cmp.Diff(wrapperReply(t, "0F 00 00 00 00 00 11 05"), msgs[0]); diff != "" {
		t.Fatalf("unexpected notification:\n%s", diff)
	}

	h := newTestServer(t, base.InterfaceHDLC)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs, err = h.GenerateDataNotificationMessages(&ts, dlmsal.Unsigned(5))
	if err != nil {
		t.Fatal(err)
	}
	frames := parseFrames(t, bytes.Join(msgs, nil))
	if len(frames) != 1 {
		t.Fatalf("%d frames", len(frames))
	}
	dt := dlmsal.NewDlmsDateTimeFromTime(ts)
	want := append(unhex(t, llcReply+"0F 00 00 00 00 0C"), dt.Bytes()...)
	want = append(want, 0x11, 0x05)
	expectFrame(t, frames[0], hdlc.ControlUI, false, want)
}

func TestPushSetupMessages(t *testing.T) {
	serial := serialObject()
	ln := dlmsal.OctetString(serial.ln.Bytes())
	push := newTestObject(dlmsal.ClassPushSetup, "0-0:25.9.0.255", dlmsal.Array{
		dlmsal.Structure{dlmsal.LongUnsigned(1), ln, dlmsal.Integer(1), dlmsal.LongUnsigned(0)},
		dlmsal.Structure{dlmsal.LongUnsigned(1), ln, dlmsal.Integer(2), dlmsal.LongUnsigned(0)},
	})
	s := newTestServer(t, base.InterfaceWrapper, serial, push)

	msgs, err := s.GeneratePushSetupMessages(nil, push)
	if err != nil {
		t.Fatal(err)
	}
	want := wrapperReply(t, "0F 00 00 00 00 00 02 02 09 06 00 00 60 01 00 FF 0A 03 41 42 43")
	if len(msgs) != 1 {
		t.Fatalf("%d messages", len(msgs))
	}
	if diff := cmp.Diff(want, msgs[0]); diff != "" {
		t.Fatalf("unexpected push:\n%s", diff)
	}

	if _, err := s.GeneratePushSetupMessages(nil, serial); err == nil {
		t.Fatal("data object accepted as push setup")
	}
}

func TestMalformedRequestKeepsSession(t *testing.T) {
	s := newTestServer(t, base.InterfaceHDLC, serialObject())
	connect(t, s, nil)
	f := single(t, s, clientFrame(t, 0x32, false, unhex(t, llcRequest+getSerial)))
	expectFrame(t, f, 0x52, false, unhex(t, llcReply+serialReply))

	tests := []struct {
		control, reply byte
		apdu, want     string
	}{
		{0x54, 0x74, "C0 01", "C4 01 C1 01 03"},
		{0x76, 0x96, "C1 01", "C5 01 C1 03"},
		{0x98, 0xB8, "C3 01", "C7 01 C1 03 00"},
	}
	for _, tt := range tests {
		f := single(t, s, clientFrame(t, tt.control, false, unhex(t, llcRequest+tt.apdu)))
		expectFrame(t, f, tt.reply, false, unhex(t, llcReply+tt.want))
		if !s.Settings().Associated() {
			t.Fatalf("%s: association dropped", tt.apdu)
		}
	}
}
