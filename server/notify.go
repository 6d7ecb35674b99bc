package server

import (
	"fmt"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/hdlc"
	"github.com/cybroslabs/libdlms-server-go/llc"
	"github.com/cybroslabs/libdlms-server-go/wrapper"
)

// pushObject is one entry of the push_object_list attribute of a push setup.
type pushObject struct {
	ClassId        uint16
	LogicalName    dlmsal.DlmsObis
	AttributeIndex int8
	DataIndex      uint16
}

// GenerateDataNotificationMessages builds the framed Data-Notification of data, ready to
// be written to the link. Over HDLC the APDU goes out in UI frames.
func (s *Server) GenerateDataNotificationMessages(t *time.Time, data dlmsal.DlmsData) ([][]byte, error) {
	apdu, err := dlmsal.DataNotification(s.settings, t, data)
	if err != nil {
		return nil, err
	}
	if s.settings.Cipher != nil && s.settings.Security != 0 {
		if apdu, err = s.handler.Protect(apdu); err != nil {
			return nil, err
		}
	}
	return s.frame(apdu)
}

// GeneratePushSetupMessages collects the values listed by a push setup object and builds
// the framed Data-Notification carrying them as one structure.
func (s *Server) GeneratePushSetupMessages(t *time.Time, push dlmsal.Object) ([][]byte, error) {
	if push.ClassId() != dlmsal.ClassPushSetup {
		return nil, fmt.Errorf("object %v is not a push setup", push.LogicalName())
	}
	raw, err := push.GetValue(s.settings, &dlmsal.ValueEventArgs{Target: push, Index: 2})
	if err != nil {
		return nil, fmt.Errorf("unable to read push object list: %w", err)
	}
	var list []pushObject
	if err := dlmsal.Cast(&list, raw); err != nil {
		return nil, base.WrapError(base.KindMalformed, fmt.Errorf("invalid push object list: %w", err))
	}

	values := make(dlmsal.Structure, 0, len(list))
	for _, p := range list {
		v, err := s.pushValue(p)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return s.GenerateDataNotificationMessages(t, values)
}

func (s *Server) pushValue(p pushObject) (dlmsal.DlmsData, error) {
	obj := s.config.Handler.Resolver.FindByLogicalName(p.ClassId, p.LogicalName)
	if obj == nil {
		return nil, fmt.Errorf("pushed object %d/%v not found", p.ClassId, p.LogicalName)
	}
	if p.AttributeIndex <= 0 || int(p.AttributeIndex) > obj.AttributeCount() {
		return nil, fmt.Errorf("pushed attribute %d of %v out of range", p.AttributeIndex, p.LogicalName)
	}
	v, err := obj.GetValue(s.settings, &dlmsal.ValueEventArgs{Target: obj, Index: int(p.AttributeIndex)})
	if err != nil {
		return nil, fmt.Errorf("unable to read %v attribute %d: %w", p.LogicalName, p.AttributeIndex, err)
	}
	if p.DataIndex == 0 {
		return v, nil
	}
	var items []dlmsal.DlmsData
	switch x := v.(type) {
	case dlmsal.Array:
		items = x
	case dlmsal.Structure:
		items = x
	default:
		return nil, fmt.Errorf("data index %d on scalar attribute of %v", p.DataIndex, p.LogicalName)
	}
	if int(p.DataIndex) > len(items) {
		return nil, fmt.Errorf("data index %d out of range for %v", p.DataIndex, p.LogicalName)
	}
	return items[p.DataIndex-1], nil
}

// frame wraps an unsolicited APDU for the configured interface.
func (s *Server) frame(apdu []byte) ([][]byte, error) {
	if s.config.Interface == base.InterfaceWrapper {
		f, err := (&wrapper.Frame{Source: s.config.Address.Logical, Destination: s.wport, Payload: apdu}).Bytes()
		if err != nil {
			return nil, err
		}
		return [][]byte{f}, nil
	}
	segs := hdlc.Split(llc.Wrap(apdu), s.limits.MaxInfoTX)
	ret := make([][]byte, 0, len(segs))
	for i, seg := range segs {
		f := hdlc.Frame{Destination: s.client, Source: s.local, Control: hdlc.ControlUI, Segmented: i != len(segs)-1, Info: seg}
		b, err := f.Bytes()
		if err != nil {
			return nil, err
		}
		ret = append(ret, b)
	}
	return ret, nil
}
