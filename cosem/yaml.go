package cosem

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/store"
	"gopkg.in/yaml.v3"
)

// TableFile is the YAML object table of a meter.
type TableFile struct {
	Objects []ObjectSpec `yaml:"objects"`
}

// ObjectSpec describes one object. Class is one of data, register, clock, profile,
// association-ln, association-sn and push. Fields not used by a class are ignored.
type ObjectSpec struct {
	Class   string         `yaml:"class"`
	LN      string         `yaml:"ln"`
	SN      uint16         `yaml:"sn,omitempty"`
	Value   *ValueSpec     `yaml:"value,omitempty"`
	Persist bool           `yaml:"persist,omitempty"`
	Access  map[int]string `yaml:"access,omitempty"`
	Methods map[int]string `yaml:"methods,omitempty"`

	// register
	Scaler int8  `yaml:"scaler,omitempty"`
	Unit   uint8 `yaml:"unit,omitempty"`

	// profile
	Period  uint32        `yaml:"period,omitempty"`
	Entries uint32        `yaml:"entries,omitempty"`
	Capture []CaptureSpec `yaml:"capture,omitempty"`

	// association
	Secret string `yaml:"secret,omitempty"`

	// push
	Destination string        `yaml:"destination,omitempty"`
	Push        []CaptureSpec `yaml:"push,omitempty"`
}

type CaptureSpec struct {
	Class     uint16 `yaml:"class"`
	LN        string `yaml:"ln"`
	Attribute int8   `yaml:"attribute"`
	DataIndex uint16 `yaml:"data_index,omitempty"`
}

// ValueSpec is a typed value. Octet strings are text unless prefixed by "hex:", date
// times are RFC 3339.
type ValueSpec struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// TableOptions are the collaborators of loaded objects.
type TableOptions struct {
	// Store persists objects marked with persist, nil disables persistence.
	Store store.Store
	// Now is the host clock of clock objects, time.Now when nil.
	Now func() time.Time
}

// LoadFile reads an object table from a YAML file.
func LoadFile(path string, opts TableOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object table: %w", err)
	}
	defer f.Close()
	return Load(f, opts)
}

// Load reads an object table and builds its objects. Persisted values are not restored,
// call Table.Restore once the table is complete.
func Load(r io.Reader, opts TableOptions) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object table: %w", err)
	}
	var tf TableFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse object table: %w", err)
	}

	t := NewTable()
	for i, spec := range tf.Objects {
		obj, err := spec.build(opts)
		if err != nil {
			return nil, fmt.Errorf("object %d (%s %s): %w", i+1, spec.Class, spec.LN, err)
		}
		if err := t.Add(obj); err != nil {
			return nil, err
		}
	}
	return t, nil
}

type configurable interface {
	SetShortName(sn uint16)
	SetAttributeAccess(index int, mode base.AccessMode)
	SetMethodAccess(index int, mode base.MethodAccessMode)
	Persist(s store.Store)
}

func (spec *ObjectSpec) build(opts TableOptions) (dlmsal.Object, error) {
	ln, err := dlmsal.NewDlmsObisFromString(spec.LN)
	if err != nil {
		return nil, fmt.Errorf("invalid logical name %q: %w", spec.LN, err)
	}
	var value dlmsal.DlmsData
	if spec.Value != nil {
		if value, err = spec.Value.Data(); err != nil {
			return nil, err
		}
	}

	var obj dlmsal.Object
	switch spec.Class {
	case "data":
		if value == nil {
			value = dlmsal.Null{}
		}
		obj = NewData(ln, value)
	case "register":
		obj = NewRegister(ln, value, spec.Scaler, spec.Unit)
	case "clock":
		obj = NewClock(ln, opts.Now)
	case "profile":
		captures, err := captureObjects(spec.Capture)
		if err != nil {
			return nil, err
		}
		obj = NewProfileGeneric(ln, captures, spec.Period, spec.Entries)
	case "association-ln":
		a := NewAssociationLN(ln)
		a.SetSecret([]byte(spec.Secret))
		obj = a
	case "association-sn":
		a := NewAssociationSN(ln)
		a.SetSecret([]byte(spec.Secret))
		obj = a
	case "push":
		objects, err := captureObjects(spec.Push)
		if err != nil {
			return nil, err
		}
		obj = NewPushSetup(ln, objects, spec.Destination)
	default:
		return nil, fmt.Errorf("unknown class %q", spec.Class)
	}

	c := obj.(configurable)
	c.SetShortName(spec.SN)
	for i, m := range spec.Access {
		mode, err := parseAccess(m)
		if err != nil {
			return nil, err
		}
		c.SetAttributeAccess(i, mode)
	}
	for i, m := range spec.Methods {
		mode, err := parseMethodAccess(m)
		if err != nil {
			return nil, err
		}
		c.SetMethodAccess(i, mode)
	}
	if spec.Persist && opts.Store != nil {
		c.Persist(opts.Store)
	}
	return obj, nil
}

func captureObjects(specs []CaptureSpec) ([]CaptureObject, error) {
	ret := make([]CaptureObject, len(specs))
	for i, s := range specs {
		ln, err := dlmsal.NewDlmsObisFromString(s.LN)
		if err != nil {
			return nil, fmt.Errorf("invalid captured logical name %q: %w", s.LN, err)
		}
		ret[i] = CaptureObject{ClassId: s.Class, LN: ln, Attribute: s.Attribute, DataIndex: s.DataIndex}
	}
	return ret, nil
}

var accessModes = map[string]base.AccessMode{
	"none":                base.AccessNone,
	"read":                base.AccessRead,
	"write":               base.AccessWrite,
	"read-write":          base.AccessReadWrite,
	"authenticated-read":  base.AccessAuthenticatedRead,
	"authenticated-write": base.AccessAuthenticatedWrite,
	"authenticated-rw":    base.AccessAuthenticatedRW,
}

func parseAccess(s string) (base.AccessMode, error) {
	if m, ok := accessModes[s]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("unknown access mode %q", s)
}

func parseMethodAccess(s string) (base.MethodAccessMode, error) {
	switch s {
	case "none":
		return base.MethodAccessNone, nil
	case "allowed":
		return base.MethodAccessAllowed, nil
	case "authenticated":
		return base.MethodAccessAuthenticated, nil
	}
	return 0, fmt.Errorf("unknown method access mode %q", s)
}

// Data converts the spec into a value.
func (v *ValueSpec) Data() (dlmsal.DlmsData, error) {
	s := strings.TrimSpace(v.Value)
	switch v.Type {
	case "null", "":
		return dlmsal.Null{}, nil
	case "boolean":
		b, err := strconv.ParseBool(s)
		return dlmsal.Boolean(b), err
	case "octet-string":
		if h, ok := strings.CutPrefix(s, "hex:"); ok {
			b, err := hex.DecodeString(strings.ReplaceAll(h, " ", ""))
			return dlmsal.OctetString(b), err
		}
		return dlmsal.OctetString(v.Value), nil
	case "visible-string":
		return dlmsal.VisibleString(v.Value), nil
	case "utf8-string":
		return dlmsal.UTF8String(v.Value), nil
	case "date-time":
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, err
		}
		return dlmsal.NewDlmsDateTimeFromTime(t), nil
	case "float32":
		f, err := strconv.ParseFloat(s, 32)
		return dlmsal.Float32(f), err
	case "float64":
		f, err := strconv.ParseFloat(s, 64)
		return dlmsal.Float64(f), err
	}
	return integerOf(v.Type, s)
}

func integerOf(typ string, s string) (dlmsal.DlmsData, error) {
	signed := map[string]int{"integer": 8, "long": 16, "double-long": 32, "long64": 64}
	unsigned := map[string]int{"unsigned": 8, "enum": 8, "long-unsigned": 16, "double-long-unsigned": 32, "long64-unsigned": 64}
	if bits, ok := signed[typ]; ok {
		i, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return nil, err
		}
		switch bits {
		case 8:
			return dlmsal.Integer(i), nil
		case 16:
			return dlmsal.Long(i), nil
		case 32:
			return dlmsal.DoubleLong(i), nil
		}
		return dlmsal.Long64(i), nil
	}
	if bits, ok := unsigned[typ]; ok {
		u, err := strconv.ParseUint(s, 0, bits)
		if err != nil {
			return nil, err
		}
		switch typ {
		case "unsigned":
			return dlmsal.Unsigned(u), nil
		case "enum":
			return dlmsal.Enum(u), nil
		case "long-unsigned":
			return dlmsal.LongUnsigned(u), nil
		case "double-long-unsigned":
			return dlmsal.DoubleLongUnsigned(u), nil
		}
		return dlmsal.Long64Unsigned(u), nil
	}
	return nil, fmt.Errorf("unknown value type %q", typ)
}
