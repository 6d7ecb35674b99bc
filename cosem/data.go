package cosem

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

// Data is interface class 1, a single value.
type Data struct {
	header
	value dlmsal.DlmsData
}

func NewData(ln dlmsal.DlmsObis, value dlmsal.DlmsData) *Data {
	if value == nil {
		value = dlmsal.Null{}
	}
	d := &Data{header: header{class: dlmsal.ClassData, ln: ln}, value: value}
	d.SetAttributeAccess(2, base.AccessReadWrite)
	return d
}

func (d *Data) AttributeCount() int { return 2 }
func (d *Data) MethodCount() int    { return 0 }

func (d *Data) AttributeType(index int) dlmsal.DataTag {
	if index != 2 {
		return dlmsal.TagOctetString
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return typeOf(d.value)
}

// Value returns the current value.
func (d *Data) Value() dlmsal.DlmsData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// SetLocalValue changes the value from the meter side, bypassing access rights.
func (d *Data) SetLocalValue(v dlmsal.DlmsData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = v
	return d.persist(2, v)
}

func (d *Data) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if e.Index == 1 {
		return d.lnValue(), nil
	}
	return d.Value(), nil
}

func (d *Data) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	if e.Index != 2 {
		return base.TagResultReadWriteDenied
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := sameType(d.value, e.Value); err != nil {
		return err
	}
	d.value = e.Value
	return d.persist(2, e.Value)
}

func (d *Data) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	return nil, base.TagResultObjectUndefined
}

func (d *Data) Restore() error {
	v, err := d.restore(2)
	if err != nil || v == nil {
		return err
	}
	d.mu.Lock()
	d.value = v
	d.mu.Unlock()
	return nil
}
