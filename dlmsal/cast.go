package dlmsal

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

// Cast stores data into the value trg points to, converting between compatible kinds.
func Cast(trg any, data DlmsData) error {
	r := reflect.ValueOf(trg)
	if r.Kind() != reflect.Pointer || r.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	return recast(reflect.Indirect(r), data)
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	datetimeType = reflect.TypeOf(DlmsDateTime{})
	obisType     = reflect.TypeOf(DlmsObis{})
	dataType     = reflect.TypeOf((*DlmsData)(nil)).Elem()
)

func recast(trg reflect.Value, data DlmsData) error {
	switch trg.Type() {
	case dataType:
		trg.Set(reflect.ValueOf(&data).Elem())
		return nil
	case timeType:
		dt, err := asdatetime(data)
		if err != nil {
			return err
		}
		tt, err := dt.ToTime()
		if err != nil {
			return err
		}
		trg.Set(reflect.ValueOf(tt))
		return nil
	case datetimeType:
		dt, err := asdatetime(data)
		if err != nil {
			return err
		}
		trg.Set(reflect.ValueOf(dt))
		return nil
	case obisType:
		b, ok := data.(OctetString)
		if !ok || len(b) != 6 {
			return fmt.Errorf("invalid source %T for obis", data)
		}
		ob, _ := NewDlmsObisFromSlice(b)
		trg.Set(reflect.ValueOf(ob))
		return nil
	}

	switch trg.Kind() {
	case reflect.Pointer:
		if _, ok := data.(Null); ok {
			trg.Set(reflect.Zero(trg.Type()))
			return nil
		}
		elem := reflect.New(trg.Type().Elem())
		if err := recast(reflect.Indirect(elem), data); err != nil {
			return err
		}
		trg.Set(elem)
	case reflect.Bool:
		v, ok := data.(Boolean)
		if !ok {
			i, err := asint(data)
			if err != nil {
				return err
			}
			trg.SetBool(i != 0)
			return nil
		}
		trg.SetBool(bool(v))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := asint(data)
		if err != nil {
			return err
		}
		if trg.OverflowInt(i) {
			return fmt.Errorf("value %d overflows %v", i, trg.Type())
		}
		trg.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := asuint(data)
		if err != nil {
			return err
		}
		if trg.OverflowUint(u) {
			return fmt.Errorf("value %d overflows %v", u, trg.Type())
		}
		trg.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := AsFloat(data)
		if err != nil {
			return err
		}
		trg.SetFloat(f)
	case reflect.String:
		switch v := data.(type) {
		case VisibleString:
			trg.SetString(string(v))
		case UTF8String:
			trg.SetString(string(v))
		case OctetString:
			trg.SetString(string(v))
		default:
			return fmt.Errorf("unexpected type %T for string", data)
		}
	case reflect.Slice:
		return recastslice(trg, data)
	case reflect.Struct:
		return recaststruct(trg, data)
	default:
		return fmt.Errorf("unsupported type %v", trg.Kind())
	}
	return nil
}

func recaststruct(trg reflect.Value, data DlmsData) error {
	v, ok := data.(Structure)
	if !ok {
		return fmt.Errorf("unexpected type %T for struct", data)
	}
	if trg.NumField() != len(v) {
		return fmt.Errorf("struct has %d fields, but data has %d fields", trg.NumField(), len(v))
	}
	for i := range v {
		if !trg.Type().Field(i).IsExported() {
			continue
		}
		field := trg.Field(i)
		if _, isnull := v[i].(Null); isnull && field.Kind() != reflect.Pointer && field.Type() != dataType {
			return fmt.Errorf("field %s is not a pointer, but has null tag in data", trg.Type().Field(i).Name)
		}
		if err := recast(field, v[i]); err != nil {
			return fmt.Errorf("struct error in field %s: %w", trg.Type().Field(i).Name, err)
		}
	}
	return nil
}

func recastslice(trg reflect.Value, data DlmsData) error {
	var items []DlmsData
	switch v := data.(type) {
	case OctetString:
		if trg.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("invalid target type: %v", trg.Type())
		}
		trg.SetBytes(append([]byte(nil), v...))
		return nil
	case Array:
		items = v
	case Structure:
		items = v
	case CompactArray:
		items = v.Values
	default:
		return fmt.Errorf("unexpected type %T for slice", data)
	}
	trg.Set(reflect.MakeSlice(trg.Type(), len(items), len(items)))
	for i := range items {
		if err := recast(trg.Index(i), items[i]); err != nil {
			return err
		}
	}
	return nil
}

func asdatetime(data DlmsData) (DlmsDateTime, error) {
	switch v := data.(type) {
	case DlmsDateTime:
		return v, nil
	case OctetString:
		if len(v) != 12 {
			return DlmsDateTime{}, fmt.Errorf("invalid length %d for date time", len(v))
		}
		return NewDlmsDateTimeFromSlice(v)
	}
	return DlmsDateTime{}, fmt.Errorf("invalid source type %T for date time", data)
}

func asint(data DlmsData) (int64, error) {
	switch v := data.(type) {
	case Boolean:
		if v {
			return 1, nil
		}
		return 0, nil
	case Integer:
		return int64(v), nil
	case BCD:
		return int64(v), nil
	case Long:
		return int64(v), nil
	case DoubleLong:
		return int64(v), nil
	case Long64:
		return int64(v), nil
	case Unsigned:
		return int64(v), nil
	case Enum:
		return int64(v), nil
	case LongUnsigned:
		return int64(v), nil
	case DoubleLongUnsigned:
		return int64(v), nil
	case Long64Unsigned:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("unexpected type %T for integer", data)
}

func asuint(data DlmsData) (uint64, error) {
	if v, ok := data.(Long64Unsigned); ok {
		return uint64(v), nil
	}
	i, err := asint(data)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("negative value %d for unsigned", i)
	}
	return uint64(i), nil
}

// AsFloat converts any numeric variant to float64.
func AsFloat(data DlmsData) (float64, error) {
	switch v := data.(type) {
	case Float32:
		return float64(v), nil
	case FloatingPoint:
		return float64(v), nil
	case Float64:
		return float64(v), nil
	}
	if u, ok := data.(Long64Unsigned); ok {
		return float64(u), nil
	}
	i, err := asint(data)
	return float64(i), err
}

// CoerceTo converts a raw octet-string received in a block transfer into the declared
// attribute type. Values already of the wanted type pass through.
func CoerceTo(data DlmsData, want DataTag) (DlmsData, error) {
	if data == nil || want == TagNull || want == TagDontCare || data.Tag() == want {
		return data, nil
	}
	raw, ok := data.(OctetString)
	if !ok {
		return data, nil
	}
	switch want {
	case TagVisibleString:
		return VisibleString(raw), nil
	case TagUTF8String:
		return UTF8String(raw), nil
	case TagDateTime:
		if len(raw) != 12 {
			return nil, base.NewError(base.KindRange, "date time needs 12 bytes, got %d", len(raw))
		}
		return NewDlmsDateTimeFromSlice(raw)
	case TagDate:
		if len(raw) != 5 {
			return nil, base.NewError(base.KindRange, "date needs 5 bytes, got %d", len(raw))
		}
	case TagTime:
		if len(raw) != 4 {
			return nil, base.NewError(base.KindRange, "time needs 4 bytes, got %d", len(raw))
		}
	}
	// raw holds the untagged encoding of the wanted type
	v, err := decodeData(buffer.NewFrom(raw), want)
	if err != nil {
		return nil, base.WrapError(base.KindRange, err)
	}
	return v, nil
}
