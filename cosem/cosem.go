// Package cosem is a small COSEM object model served by the dlmsal handlers.
//
// It covers the interface classes a simple meter needs: Data, Register, Clock, Profile
// Generic, Association LN/SN and Push Setup. Objects are usually loaded from a YAML object
// table (see Load) into a Table, which is the ObjectResolver of the handlers. Attribute
// values may be persisted into a store.Store so written values survive restarts.
//
// Objects are shared by every session of a server, their state is guarded by a mutex.
// GetValue and SetValue accept a nil *dlmsal.Settings when called outside a session, as
// the profile capture does.
package cosem

import (
	"errors"
	"sync"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/store"
)

// header carries what every object has, plus the lock of its values.
type header struct {
	mu      sync.Mutex
	class   uint16
	version byte
	ln      dlmsal.DlmsObis
	sn      uint16

	access  map[int]base.AccessMode
	maccess map[int]base.MethodAccessMode
	store   store.Store
}

func (h *header) ClassId() uint16              { return h.class }
func (h *header) Version() byte                { return h.version }
func (h *header) LogicalName() dlmsal.DlmsObis { return h.ln }
func (h *header) ShortName() uint16            { return h.sn }

// AttributeAccess reports the declared mode, the logical name is always read only.
func (h *header) AttributeAccess(index int) base.AccessMode {
	if index == 1 {
		return base.AccessRead
	}
	if m, ok := h.access[index]; ok {
		return m
	}
	return base.AccessRead
}

func (h *header) MethodAccess(index int) base.MethodAccessMode {
	if m, ok := h.maccess[index]; ok {
		return m
	}
	return base.MethodAccessNone
}

// SetShortName places the object at a base name for SN referencing.
func (h *header) SetShortName(sn uint16) {
	h.sn = sn
}

// SetAttributeAccess overrides the access mode of one attribute.
func (h *header) SetAttributeAccess(index int, mode base.AccessMode) {
	if h.access == nil {
		h.access = make(map[int]base.AccessMode)
	}
	h.access[index] = mode
}

// SetMethodAccess overrides the access mode of one method.
func (h *header) SetMethodAccess(index int, mode base.MethodAccessMode) {
	if h.maccess == nil {
		h.maccess = make(map[int]base.MethodAccessMode)
	}
	h.maccess[index] = mode
}

// Persist makes written values of the object survive restarts.
func (h *header) Persist(s store.Store) {
	h.store = s
}

func (h *header) persist(index int, v dlmsal.DlmsData) error {
	if h.store == nil {
		return nil
	}
	b, err := dlmsal.EncodeDataBytes(v)
	if err != nil {
		return err
	}
	return h.store.Save(store.Key(h.ln.String(), index), b)
}

// restore returns the stored value of an attribute, nil when nothing was stored.
func (h *header) restore(index int) (dlmsal.DlmsData, error) {
	if h.store == nil {
		return nil, nil
	}
	b, err := h.store.Load(store.Key(h.ln.String(), index))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return dlmsal.DecodeDataBytes(b)
}

func (h *header) lnValue() dlmsal.DlmsData {
	return dlmsal.OctetString(h.ln.Bytes())
}

// sameType accepts a written value having the tag of the current one.
func sameType(current dlmsal.DlmsData, v dlmsal.DlmsData) error {
	if v == nil {
		return base.TagResultTypeUnmatched
	}
	if current == nil || current.Tag() == dlmsal.TagNull || current.Tag() == v.Tag() {
		return nil
	}
	return base.TagResultTypeUnmatched
}

func typeOf(v dlmsal.DlmsData) dlmsal.DataTag {
	if v == nil {
		return dlmsal.TagNull
	}
	return v.Tag()
}

// Restorer is implemented by objects with persisted attributes.
type Restorer interface {
	Restore() error
}
