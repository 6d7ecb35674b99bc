package cosem

import (
	"bytes"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

const (
	associationNonAssociated = 0
	associationPending       = 1
	associationAssociated    = 2

	dlmsVersion = 6
)

// oid prefixes of the application context and mechanism names
var (
	appContextOid = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
	mechanismOid  = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x02}
)

// association is what the LN and SN association objects share: the objects they list,
// the policy deciding the access rights they report and the secret of the association.
type association struct {
	header
	resolver dlmsal.ObjectResolver
	policy   dlmsal.AccessPolicy
	secret   []byte
}

// Bind sets the objects listed by the association and the policy of their access rights.
func (a *association) Bind(resolver dlmsal.ObjectResolver, policy dlmsal.AccessPolicy) {
	if policy == nil {
		policy = dlmsal.DefaultAccessPolicy{}
	}
	a.mu.Lock()
	a.resolver = resolver
	a.policy = policy
	a.mu.Unlock()
}

// Secret returns the LLS password or the HLS secret of the association.
func (a *association) Secret() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bytes.Clone(a.secret)
}

func (a *association) SetSecret(secret []byte) {
	a.mu.Lock()
	a.secret = bytes.Clone(secret)
	a.mu.Unlock()
}

func (a *association) changeSecret(v dlmsal.DlmsData) error {
	b, ok := v.(dlmsal.OctetString)
	if !ok || len(b) == 0 {
		return base.TagResultTypeUnmatched
	}
	a.SetSecret(b)
	return a.persist(7, b)
}

func (a *association) restoreSecret() error {
	v, err := a.restore(7)
	if err != nil || v == nil {
		return err
	}
	if b, ok := v.(dlmsal.OctetString); ok {
		a.SetSecret(b)
	}
	return nil
}

func (a *association) objects() []dlmsal.Object {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolver == nil {
		return nil
	}
	return a.resolver.Objects()
}

// accessRights encodes the attribute and method access of obj as seen by the session.
func (a *association) accessRights(s *dlmsal.Settings, obj dlmsal.Object) (dlmsal.Array, dlmsal.Array) {
	attrs := make(dlmsal.Array, obj.AttributeCount())
	for i := range attrs {
		attrs[i] = dlmsal.Structure{dlmsal.Integer(i + 1), dlmsal.Enum(a.attributeAccess(s, obj, i+1)), dlmsal.Null{}}
	}
	methods := make(dlmsal.Array, obj.MethodCount())
	for i := range methods {
		methods[i] = dlmsal.Structure{dlmsal.Integer(i + 1), dlmsal.Enum(a.methodAccess(s, obj, i+1))}
	}
	return attrs, methods
}

func (a *association) attributeAccess(s *dlmsal.Settings, obj dlmsal.Object, index int) base.AccessMode {
	if s != nil && a.policy != nil {
		return a.policy.AttributeAccess(s, obj, index)
	}
	if ar, ok := obj.(dlmsal.AccessRights); ok {
		return ar.AttributeAccess(index)
	}
	return base.AccessReadWrite
}

func (a *association) methodAccess(s *dlmsal.Settings, obj dlmsal.Object, index int) base.MethodAccessMode {
	if s != nil && a.policy != nil {
		return a.policy.MethodAccess(s, obj, index)
	}
	if ar, ok := obj.(dlmsal.AccessRights); ok {
		return ar.MethodAccess(index)
	}
	return base.MethodAccessAllowed
}

func (a *association) replyToHls(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if s == nil {
		return nil, base.TagResultReadWriteDenied
	}
	param, ok := e.Parameters.(dlmsal.OctetString)
	if !ok {
		return nil, base.TagResultTypeUnmatched
	}
	ret, err := dlmsal.ReplyToHlsAuthentication(s, param)
	if err != nil {
		return nil, err
	}
	return dlmsal.OctetString(ret), nil
}

func associationStatus(s *dlmsal.Settings) dlmsal.Enum {
	switch {
	case s == nil || !s.Associated():
		return associationNonAssociated
	case s.HlsPending():
		return associationPending
	}
	return associationAssociated
}

// conformanceBits renders the 24 conformance bits, most significant first.
func conformanceBits(c uint32) dlmsal.BitString {
	ret := make(dlmsal.BitString, 24)
	for i := range ret {
		ret[i] = c&(1<<(23-i)) != 0
	}
	return ret
}

// AssociationLN is interface class 15, the current association for LN referencing.
// Attributes describing the session (partners, context, status) are taken from the
// settings of the calling session.
type AssociationLN struct {
	association
}

func NewAssociationLN(ln dlmsal.DlmsObis) *AssociationLN {
	a := &AssociationLN{association{header: header{class: dlmsal.ClassAssociationLN, version: 1, ln: ln}}}
	for _, i := range []int{2, 3, 4, 5, 6, 8, 9} {
		a.SetAttributeAccess(i, base.AccessRead)
	}
	a.SetAttributeAccess(7, base.AccessAuthenticatedWrite)
	a.SetMethodAccess(1, base.MethodAccessAllowed)
	a.SetMethodAccess(2, base.MethodAccessAuthenticated)
	return a
}

func (a *AssociationLN) AttributeCount() int { return 9 }
func (a *AssociationLN) MethodCount() int    { return 2 }

func (a *AssociationLN) AttributeType(index int) dlmsal.DataTag {
	switch index {
	case 2, 3, 5:
		return dlmsal.TagNull
	case 8:
		return dlmsal.TagEnum
	}
	return dlmsal.TagOctetString
}

func (a *AssociationLN) Rows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (int, error) {
	if e.Index != 2 {
		return -1, nil
	}
	if e.Selector != 0 {
		return 0, base.NewError(base.KindRange, "selector %d not supported", e.Selector)
	}
	objs := a.objects()
	e.State = objs
	return len(objs), nil
}

func (a *AssociationLN) AppendRows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs, dst []dlmsal.DlmsData) ([]dlmsal.DlmsData, error) {
	objs, _ := e.State.([]dlmsal.Object)
	for _, o := range objs[e.RowBegin:e.RowEnd] {
		attrs, methods := a.accessRights(s, o)
		dst = append(dst, dlmsal.Structure{
			dlmsal.LongUnsigned(o.ClassId()),
			dlmsal.Unsigned(o.Version()),
			dlmsal.OctetString(o.LogicalName().Bytes()),
			dlmsal.Structure{attrs, methods},
		})
	}
	return dst, nil
}

func (a *AssociationLN) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		return a.lnValue(), nil
	case 2:
		n, err := a.Rows(s, e)
		if err != nil {
			return nil, err
		}
		e.RowBegin, e.RowEnd = 0, n
		rows, err := a.AppendRows(s, e, make([]dlmsal.DlmsData, 0, n))
		return dlmsal.Array(rows), err
	case 3:
		if s == nil {
			return dlmsal.Structure{dlmsal.Integer(0), dlmsal.LongUnsigned(0)}, nil
		}
		return dlmsal.Structure{dlmsal.Integer(int8(s.ClientAddress)), dlmsal.LongUnsigned(s.ServerAddress)}, nil
	case 4:
		ctx := base.ApplicationContextLNNoCiphering
		if s != nil && s.Cipher != nil && s.Security != 0 {
			ctx = base.ApplicationContextLNCiphering
		}
		return dlmsal.OctetString(append(bytes.Clone(appContextOid), byte(ctx))), nil
	case 5:
		var conformance uint32
		pdu := uint16(dlmsal.DefaultMaxPduSize)
		if s != nil {
			conformance = s.NegotiatedConformance
			pdu = s.MaxServerPduSize
		}
		return dlmsal.Structure{
			conformanceBits(conformance),
			dlmsal.LongUnsigned(pdu),
			dlmsal.LongUnsigned(pdu),
			dlmsal.Unsigned(dlmsVersion),
			dlmsal.Integer(0),
			dlmsal.OctetString{},
		}, nil
	case 6:
		var mech base.Authentication
		if s != nil {
			mech = s.Authentication
		}
		return dlmsal.OctetString(append(bytes.Clone(mechanismOid), byte(mech))), nil
	case 7:
		return nil, base.TagResultReadWriteDenied
	case 8:
		return associationStatus(s), nil
	case 9:
		return dlmsal.OctetString{0, 0, 43, 0, 0, 255}, nil
	}
	return nil, base.TagResultObjectUndefined
}

func (a *AssociationLN) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	if e.Index == 7 {
		return a.changeSecret(e.Value)
	}
	return base.TagResultReadWriteDenied
}

// Invoke runs reply_to_HLS_authentication (1) and change_HLS_secret (2).
func (a *AssociationLN) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		return a.replyToHls(s, e)
	case 2:
		return nil, a.changeSecret(e.Parameters)
	}
	return nil, base.TagResultObjectUndefined
}

func (a *AssociationLN) Restore() error {
	return a.restoreSecret()
}

// AssociationSN is interface class 12, the current association for SN referencing.
type AssociationSN struct {
	association
}

func NewAssociationSN(ln dlmsal.DlmsObis) *AssociationSN {
	a := &AssociationSN{association{header: header{class: dlmsal.ClassAssociationSN, version: 2, ln: ln}}}
	for _, i := range []int{2, 3, 4} {
		a.SetAttributeAccess(i, base.AccessRead)
	}
	a.SetMethodAccess(1, base.MethodAccessAllowed)
	a.SetMethodAccess(4, base.MethodAccessAuthenticated)
	a.SetMethodAccess(8, base.MethodAccessAllowed)
	return a
}

func (a *AssociationSN) AttributeCount() int { return 4 }
func (a *AssociationSN) MethodCount() int    { return 8 }

func (a *AssociationSN) AttributeType(index int) dlmsal.DataTag {
	if index == 1 || index == 4 {
		return dlmsal.TagOctetString
	}
	return dlmsal.TagNull
}

func (a *AssociationSN) Rows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (int, error) {
	if e.Index != 2 && e.Index != 3 {
		return -1, nil
	}
	objs := a.objects()
	listed := make([]dlmsal.Object, 0, len(objs))
	for _, o := range objs {
		if o.ShortName() != 0 {
			listed = append(listed, o)
		}
	}
	e.State = listed
	return len(listed), nil
}

func (a *AssociationSN) AppendRows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs, dst []dlmsal.DlmsData) ([]dlmsal.DlmsData, error) {
	objs, _ := e.State.([]dlmsal.Object)
	for _, o := range objs[e.RowBegin:e.RowEnd] {
		sn := dlmsal.Long(int16(o.ShortName()))
		if e.Index == 3 {
			attrs, methods := a.accessRights(s, o)
			dst = append(dst, dlmsal.Structure{sn, attrs, methods})
			continue
		}
		dst = append(dst, dlmsal.Structure{
			sn,
			dlmsal.LongUnsigned(o.ClassId()),
			dlmsal.Unsigned(o.Version()),
			dlmsal.OctetString(o.LogicalName().Bytes()),
		})
	}
	return dst, nil
}

func (a *AssociationSN) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		return a.lnValue(), nil
	case 2, 3:
		n, _ := a.Rows(s, e)
		e.RowBegin, e.RowEnd = 0, n
		rows, err := a.AppendRows(s, e, make([]dlmsal.DlmsData, 0, n))
		return dlmsal.Array(rows), err
	case 4:
		return dlmsal.OctetString{0, 0, 43, 0, 0, 255}, nil
	}
	return nil, base.TagResultObjectUndefined
}

func (a *AssociationSN) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	return base.TagResultReadWriteDenied
}

// Invoke runs read_by_logicalname (1), change_secret (4) and reply_to_HLS_authentication (8).
func (a *AssociationSN) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		return a.readByLogicalName(s, e.Parameters)
	case 4:
		return nil, a.changeSecret(e.Parameters)
	case 8:
		return a.replyToHls(s, e)
	}
	return nil, base.TagResultOtherReason
}

// readByLogicalName reads attributes listed as {class_id, logical_name, attribute_index}.
func (a *AssociationSN) readByLogicalName(s *dlmsal.Settings, params dlmsal.DlmsData) (dlmsal.DlmsData, error) {
	var refs []struct {
		ClassId   uint16
		LN        dlmsal.DlmsObis
		Attribute int8
	}
	if err := dlmsal.Cast(&refs, params); err != nil {
		return nil, base.TagResultTypeUnmatched
	}
	a.mu.Lock()
	resolver, policy := a.resolver, a.policy
	a.mu.Unlock()
	if resolver == nil {
		return nil, base.TagResultObjectUnavailable
	}
	ret := make(dlmsal.Array, len(refs))
	for i, r := range refs {
		obj := resolver.FindByLogicalName(r.ClassId, r.LN)
		if obj == nil || r.Attribute <= 0 || int(r.Attribute) > obj.AttributeCount() {
			return nil, base.TagResultObjectUndefined
		}
		if s != nil && policy != nil && !policy.AttributeAccess(s, obj, int(r.Attribute)).CanRead() {
			return nil, base.TagResultReadWriteDenied
		}
		v, err := obj.GetValue(s, &dlmsal.ValueEventArgs{Target: obj, Index: int(r.Attribute)})
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}

func (a *AssociationSN) Restore() error {
	return a.restoreSecret()
}
