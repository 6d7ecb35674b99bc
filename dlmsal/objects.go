package dlmsal

import (
	"errors"
	"slices"
	"sort"

	"github.com/cybroslabs/libdlms-server-go/base"
)

// Object is one COSEM interface object as served by the handlers. Attribute and method
// indices are 1-based.
type Object interface {
	ClassId() uint16
	Version() byte
	LogicalName() DlmsObis
	// ShortName is the base address for SN referencing, 0 when the object is LN only.
	ShortName() uint16
	AttributeCount() int
	MethodCount() int
	// AttributeType is the declared type used to coerce raw octet-strings written by
	// block transfer, TagNull when anything goes.
	AttributeType(index int) DataTag
	GetValue(s *Settings, e *ValueEventArgs) (DlmsData, error)
	SetValue(s *Settings, e *ValueEventArgs) error
	Invoke(s *Settings, e *ValueEventArgs) (DlmsData, error)
}

// AccessRights is implemented by objects carrying their own access modes.
type AccessRights interface {
	AttributeAccess(index int) base.AccessMode
	MethodAccess(index int) base.MethodAccessMode
}

// RowReader is implemented by objects producing large array attributes row by row, such
// as profile generic buffers. Rows returns the count of rows selected by e, or -1 when the
// attribute is not paged. AppendRows appends rows e.RowBegin to e.RowEnd, end excluded.
type RowReader interface {
	Rows(s *Settings, e *ValueEventArgs) (int, error)
	AppendRows(s *Settings, e *ValueEventArgs, dst []DlmsData) ([]DlmsData, error)
}

// ObjectResolver finds objects addressed by the client.
type ObjectResolver interface {
	FindByLogicalName(classId uint16, ln DlmsObis) Object
	Objects() []Object
}

// AccessPolicy decides what the current association may do.
type AccessPolicy interface {
	AttributeAccess(s *Settings, obj Object, index int) base.AccessMode
	MethodAccess(s *Settings, obj Object, index int) base.MethodAccessMode
}

// ConnectionHook is notified about association life cycle events.
type ConnectionHook interface {
	Connected(s *Settings)
	Disconnected(s *Settings)
	InvalidConnection(s *Settings, err error)
}

// NopHook ignores every event.
type NopHook struct{}

func (NopHook) Connected(*Settings)                {}
func (NopHook) Disconnected(*Settings)             {}
func (NopHook) InvalidConnection(*Settings, error) {}

// ValueEventArgs describes one pending access: a list entry or the single target of a
// request. It lives in the long transaction while blocks are exchanged.
type ValueEventArgs struct {
	Target     Object
	Index      int
	Selector   byte
	Parameters DlmsData
	// Value holds the value to write or the value read.
	Value    DlmsData
	Error    base.DlmsResultTag
	IsAction bool
	InvokeId byte

	// paging state of RowReader targets
	RowBegin int
	RowEnd   int
	RowCount int

	// State is free for the object to keep data between paged calls.
	State any
}

// Paged reports a target still producing rows.
func (e *ValueEventArgs) Paged() bool {
	return e.RowCount > 0 && e.RowBegin < e.RowCount
}

// resultOf maps an error returned by an object to the result byte sent back.
func resultOf(err error) base.DlmsResultTag {
	if err == nil {
		return base.TagResultSuccess
	}
	var r base.DlmsResultTag
	if errors.As(err, &r) {
		return r
	}
	return base.KindOf(err).Result()
}

// DefaultAccessPolicy uses the modes objects declare through AccessRights, everything
// else is readable, writable and callable. Until a pending high level authentication
// completes only reply_to_HLS_authentication of the association object is allowed.
type DefaultAccessPolicy struct{}

func (DefaultAccessPolicy) AttributeAccess(s *Settings, obj Object, index int) base.AccessMode {
	if s.HlsPending() {
		return base.AccessNone
	}
	if ar, ok := obj.(AccessRights); ok {
		return ar.AttributeAccess(index)
	}
	return base.AccessReadWrite
}

func (DefaultAccessPolicy) MethodAccess(s *Settings, obj Object, index int) base.MethodAccessMode {
	if s.HlsPending() {
		if obj.ClassId() == ClassAssociationLN && index == 1 || obj.ClassId() == ClassAssociationSN && index == 8 {
			return base.MethodAccessAllowed
		}
		return base.MethodAccessNone
	}
	if ar, ok := obj.(AccessRights); ok {
		return ar.MethodAccess(index)
	}
	return base.MethodAccessAllowed
}

// class ids referenced by the protocol core
const (
	ClassData               = 1
	ClassRegister           = 3
	ClassExtendedRegister   = 4
	ClassDemandRegister     = 5
	ClassRegisterActivation = 6
	ClassProfileGeneric     = 7
	ClassClock              = 8
	ClassScriptTable        = 9
	ClassSpecialDaysTable   = 11
	ClassAssociationSN      = 12
	ClassAssociationLN      = 15
	ClassImageTransfer      = 18
	ClassActivityCalendar   = 20
	ClassPushSetup          = 40
	ClassDisconnectControl  = 70
)

// ObjectList is the plain resolver over a slice of objects.
type ObjectList []Object

func (l ObjectList) FindByLogicalName(classId uint16, ln DlmsObis) Object {
	for _, o := range l {
		if o.ClassId() == classId && o.LogicalName().EqualTo(ln) {
			return o
		}
	}
	return nil
}

func (l ObjectList) Objects() []Object {
	return l
}

// FindByObis ignores the class, used where the client does not send it.
func (l ObjectList) FindByObis(ln DlmsObis) Object {
	for _, o := range l {
		if o.LogicalName().EqualTo(ln) {
			return o
		}
	}
	return nil
}

// methodOffsets gives the first method address and the method count per class as laid
// out for SN referencing.
var methodOffsets = map[uint16]struct {
	offset uint16
	count  int
}{
	ClassRegister:           {0x28, 1},
	ClassExtendedRegister:   {0x38, 1},
	ClassDemandRegister:     {0x48, 2},
	ClassClock:              {0x60, 6},
	ClassProfileGeneric:     {0x58, 4},
	ClassScriptTable:        {0x20, 1},
	ClassAssociationSN:      {0x20, 8},
	ClassPushSetup:          {0x38, 1},
	ClassImageTransfer:      {0x40, 4},
	ClassDisconnectControl:  {0x20, 2},
	ClassSpecialDaysTable:   {0x10, 2},
	ClassActivityCalendar:   {0x50, 1},
	ClassRegisterActivation: {0x30, 3},
}

// MethodOffset returns the address of method 1 relative to the short name and the method count.
func MethodOffset(obj Object) (uint16, int) {
	if m, ok := methodOffsets[obj.ClassId()]; ok {
		return m.offset, m.count
	}
	return uint16(8 * obj.AttributeCount()), obj.MethodCount()
}

type snentry struct {
	start uint16
	end   uint16 // last address used, attributes or methods
	obj   Object
}

// ShortNameIndex resolves SN addresses. It is built once and read only afterwards.
type ShortNameIndex struct {
	entries []snentry
}

// NewShortNameIndex sorts the objects having a short name by address.
func NewShortNameIndex(objects []Object) *ShortNameIndex {
	ret := &ShortNameIndex{entries: make([]snentry, 0, len(objects))}
	for _, o := range objects {
		sn := o.ShortName()
		if sn == 0 {
			continue
		}
		end := int(sn) + 8*(o.AttributeCount()-1)
		if off, cnt := MethodOffset(o); cnt > 0 {
			end = max(end, int(sn)+int(off)+8*(cnt-1))
		}
		if end > 0xffff {
			// addresses would wrap around, the object is not reachable by SN
			continue
		}
		ret.entries = append(ret.entries, snentry{start: sn, end: uint16(end), obj: o})
	}
	slices.SortFunc(ret.entries, func(a, b snentry) int {
		return int(a.start) - int(b.start)
	})
	return ret
}

// Find returns the object owning address sn with the attribute or method index.
func (x *ShortNameIndex) Find(sn uint16) (obj Object, index int, isAction bool, ok bool) {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].start > sn
	}) - 1
	if i < 0 {
		return nil, 0, false, false
	}
	e := x.entries[i]
	if sn > e.end {
		return nil, 0, false, false
	}
	rel := sn - e.start
	if rel%8 != 0 {
		return nil, 0, false, false
	}
	if int(rel/8) < e.obj.AttributeCount() {
		return e.obj, int(rel/8) + 1, false, true
	}
	off, cnt := MethodOffset(e.obj)
	if rel >= off && int(rel-off)/8 < cnt {
		return e.obj, int(rel-off)/8 + 1, true, true
	}
	return nil, 0, false, false
}

// Len is the count of indexed objects.
func (x *ShortNameIndex) Len() int {
	return len(x.entries)
}
