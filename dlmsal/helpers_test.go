package dlmsal

import (
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

// testObject keeps attribute values in a slice, attribute 1 is the logical name.
type testObject struct {
	class   uint16
	ln      DlmsObis
	sn      uint16
	values  []DlmsData
	types   []DataTag
	methods int
	// ret is returned by every method, params collects invocation parameters
	ret    DlmsData
	params []DlmsData
	invoke func(s *Settings, e *ValueEventArgs) (DlmsData, error)
}

func newTestObject(class uint16, ln string, values ...DlmsData) *testObject {
	o := &testObject{class: class, ln: MustObis(ln)}
	o.values = append([]DlmsData{OctetString(o.ln.Bytes())}, values...)
	return o
}

func (o *testObject) ClassId() uint16       { return o.class }
func (o *testObject) Version() byte         { return 0 }
func (o *testObject) LogicalName() DlmsObis { return o.ln }
func (o *testObject) ShortName() uint16     { return o.sn }
func (o *testObject) AttributeCount() int   { return len(o.values) }
func (o *testObject) MethodCount() int      { return o.methods }

func (o *testObject) AttributeType(index int) DataTag {
	if index-1 < len(o.types) {
		return o.types[index-1]
	}
	return TagNull
}

func (o *testObject) GetValue(s *Settings, e *ValueEventArgs) (DlmsData, error) {
	return o.values[e.Index-1], nil
}

func (o *testObject) SetValue(s *Settings, e *ValueEventArgs) error {
	if e.Index == 1 {
		return base.TagResultReadWriteDenied
	}
	o.values[e.Index-1] = e.Value
	return nil
}

func (o *testObject) Invoke(s *Settings, e *ValueEventArgs) (DlmsData, error) {
	o.params = append(o.params, e.Parameters)
	if o.invoke != nil {
		return o.invoke(s, e)
	}
	return o.ret, nil
}

// rowObject serves attribute 2 row by row.
type rowObject struct {
	*testObject
	rows []DlmsData
}

func (o *rowObject) Rows(s *Settings, e *ValueEventArgs) (int, error) {
	if e.Index != 2 {
		return -1, nil
	}
	return len(o.rows), nil
}

func (o *rowObject) AppendRows(s *Settings, e *ValueEventArgs, dst []DlmsData) ([]DlmsData, error) {
	return append(dst, o.rows[e.RowBegin:e.RowEnd]...), nil
}

// newAssociatedHandler returns a handler whose association is already established.
func newAssociatedHandler(t *testing.T, ln bool, objects ...Object) *Handler {
	t.Helper()
	s := newTestSettings(t, ln)
	s.Connected = base.ConnectionStateHdlc | base.ConnectionStateDlms
	s.Authenticated = true
	s.NegotiatedConformance = s.ProposedConformance
	h, err := NewHandler(s, HandlerConfig{Resolver: ObjectList(objects)})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	h.SetLogger(zaptest.NewLogger(t).Sugar())
	return h
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := buffer.HexToBytes(s)
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

// exchange feeds one request and returns the reply and the next transaction.
func exchange(t *testing.T, h *Handler, tx *AwaitingBlock, request []byte) ([]byte, *AwaitingBlock) {
	t.Helper()
	reply, next, err := h.Handle(buffer.NewFrom(request), tx)
	if err != nil {
		t.Fatalf("request %X: %v", request, err)
	}
	return reply, next
}

func expectReply(t *testing.T, got []byte, want []byte) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected reply (-want +got):\n%s", diff)
	}
}

func encoded(t *testing.T, d DlmsData) []byte {
	t.Helper()
	b, err := EncodeDataBytes(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func concat(parts ...[]byte) []byte {
	var ret []byte
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return ret
}
