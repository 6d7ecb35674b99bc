package cosem

import (
	"fmt"
	"math"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

// Register is interface class 3, a value with scaler and unit. Method 1 resets it.
type Register struct {
	header
	value  dlmsal.DlmsData
	scaler int8
	unit   uint8
}

func NewRegister(ln dlmsal.DlmsObis, value dlmsal.DlmsData, scaler int8, unit uint8) *Register {
	if value == nil {
		value = dlmsal.DoubleLongUnsigned(0)
	}
	r := &Register{header: header{class: dlmsal.ClassRegister, ln: ln}, value: value, scaler: scaler, unit: unit}
	r.SetAttributeAccess(2, base.AccessRead)
	r.SetMethodAccess(1, base.MethodAccessAuthenticated)
	return r
}

func (r *Register) AttributeCount() int { return 3 }
func (r *Register) MethodCount() int    { return 1 }

func (r *Register) AttributeType(index int) dlmsal.DataTag {
	switch index {
	case 2:
		r.mu.Lock()
		defer r.mu.Unlock()
		return typeOf(r.value)
	case 3:
		return dlmsal.TagStructure
	}
	return dlmsal.TagOctetString
}

func (r *Register) Value() dlmsal.DlmsData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// SetLocalValue changes the value from the meter side, bypassing access rights.
func (r *Register) SetLocalValue(v dlmsal.DlmsData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := sameType(r.value, v); err != nil {
		return err
	}
	r.value = v
	return r.persist(2, v)
}

// Describe renders the scaled value with its unit.
func (r *Register) Describe() string {
	v := r.Value()
	f, err := dlmsal.AsFloat(v)
	if err != nil {
		return fmt.Sprintf("%v %s", v, dlmsal.GetUnit(r.unit))
	}
	return fmt.Sprintf("%g %s", f*math.Pow10(int(r.scaler)), dlmsal.GetUnit(r.unit))
}

func (r *Register) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		return r.lnValue(), nil
	case 2:
		return r.Value(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return dlmsal.Structure{dlmsal.Integer(r.scaler), dlmsal.Enum(r.unit)}, nil
}

func (r *Register) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	switch e.Index {
	case 2:
		return r.SetLocalValue(e.Value)
	case 3:
		var su struct {
			Scaler int8
			Unit   uint8
		}
		if err := dlmsal.Cast(&su, e.Value); err != nil {
			return base.TagResultTypeUnmatched
		}
		r.mu.Lock()
		r.scaler, r.unit = su.Scaler, su.Unit
		r.mu.Unlock()
		return nil
	}
	return base.TagResultReadWriteDenied
}

// Invoke runs reset, the value goes back to zero of its type.
func (r *Register) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if e.Index != 1 {
		return nil, base.TagResultObjectUndefined
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	z, err := zeroOf(r.value)
	if err != nil {
		return nil, err
	}
	r.value = z
	return nil, r.persist(2, z)
}

func (r *Register) Restore() error {
	v, err := r.restore(2)
	if err != nil || v == nil {
		return err
	}
	r.mu.Lock()
	r.value = v
	r.mu.Unlock()
	return nil
}

func zeroOf(v dlmsal.DlmsData) (dlmsal.DlmsData, error) {
	switch v.(type) {
	case dlmsal.DoubleLong:
		return dlmsal.DoubleLong(0), nil
	case dlmsal.DoubleLongUnsigned:
		return dlmsal.DoubleLongUnsigned(0), nil
	case dlmsal.Integer:
		return dlmsal.Integer(0), nil
	case dlmsal.Long:
		return dlmsal.Long(0), nil
	case dlmsal.Unsigned:
		return dlmsal.Unsigned(0), nil
	case dlmsal.LongUnsigned:
		return dlmsal.LongUnsigned(0), nil
	case dlmsal.Long64:
		return dlmsal.Long64(0), nil
	case dlmsal.Long64Unsigned:
		return dlmsal.Long64Unsigned(0), nil
	case dlmsal.Float32:
		return dlmsal.Float32(0), nil
	case dlmsal.Float64:
		return dlmsal.Float64(0), nil
	case dlmsal.FloatingPoint:
		return dlmsal.FloatingPoint(0), nil
	}
	return nil, base.TagResultTypeUnmatched
}
