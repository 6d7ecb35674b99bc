package cosem

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

const (
	transportTCP         = 0
	messageAXdrCosemApdu = 0
)

// PushSetup is interface class 40. Method 1 asks the owner of the object, through the
// push callback, to send the listed values to the destination.
type PushSetup struct {
	header
	objects     []CaptureObject
	destination string
	windows     dlmsal.Array
	randomStart uint16
	retries     uint8
	retryDelay  uint16
	onPush      func(*PushSetup) error
}

func NewPushSetup(ln dlmsal.DlmsObis, objects []CaptureObject, destination string) *PushSetup {
	p := &PushSetup{
		header:      header{class: dlmsal.ClassPushSetup, ln: ln},
		objects:     objects,
		destination: destination,
		windows:     dlmsal.Array{},
	}
	for i := 2; i <= 7; i++ {
		p.SetAttributeAccess(i, base.AccessReadWrite)
	}
	p.SetMethodAccess(1, base.MethodAccessAllowed)
	return p
}

// OnPush sets the callback run by the push method.
func (p *PushSetup) OnPush(fn func(*PushSetup) error) {
	p.mu.Lock()
	p.onPush = fn
	p.mu.Unlock()
}

// Destination is the address pushes are sent to, host:port for TCP.
func (p *PushSetup) Destination() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destination
}

func (p *PushSetup) AttributeCount() int { return 7 }
func (p *PushSetup) MethodCount() int    { return 1 }

func (p *PushSetup) AttributeType(index int) dlmsal.DataTag {
	switch index {
	case 2, 4:
		return dlmsal.TagArray
	case 3:
		return dlmsal.TagStructure
	case 5, 7:
		return dlmsal.TagLongUnsigned
	case 6:
		return dlmsal.TagUnsigned
	}
	return dlmsal.TagOctetString
}

func (p *PushSetup) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Index {
	case 1:
		return p.lnValue(), nil
	case 2:
		return encodeCaptureObjects(p.objects), nil
	case 3:
		return dlmsal.Structure{
			dlmsal.Enum(transportTCP),
			dlmsal.OctetString(p.destination),
			dlmsal.Enum(messageAXdrCosemApdu),
		}, nil
	case 4:
		return p.windows, nil
	case 5:
		return dlmsal.LongUnsigned(p.randomStart), nil
	case 6:
		return dlmsal.Unsigned(p.retries), nil
	case 7:
		return dlmsal.LongUnsigned(p.retryDelay), nil
	}
	return nil, base.TagResultObjectUndefined
}

func (p *PushSetup) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	switch e.Index {
	case 2:
		var list []CaptureObject
		if list, err = decodeCaptureObjects(e.Value); err == nil {
			p.objects = list
		}
	case 3:
		var dst struct {
			Transport   uint8
			Destination string
			Message     uint8
		}
		if err = dlmsal.Cast(&dst, e.Value); err == nil {
			if dst.Transport != transportTCP {
				return base.TagResultOtherReason
			}
			p.destination = dst.Destination
		}
	case 4:
		w, ok := e.Value.(dlmsal.Array)
		if !ok {
			return base.TagResultTypeUnmatched
		}
		p.windows = w
	case 5:
		err = dlmsal.Cast(&p.randomStart, e.Value)
	case 6:
		err = dlmsal.Cast(&p.retries, e.Value)
	case 7:
		err = dlmsal.Cast(&p.retryDelay, e.Value)
	default:
		return base.TagResultReadWriteDenied
	}
	if err != nil {
		return base.TagResultTypeUnmatched
	}
	return nil
}

func (p *PushSetup) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if e.Index != 1 {
		return nil, base.TagResultObjectUndefined
	}
	p.mu.Lock()
	fn := p.onPush
	p.mu.Unlock()
	if fn == nil {
		return nil, base.TagResultTemporaryFailure
	}
	if err := fn(p); err != nil {
		return nil, base.WrapError(base.KindHardwareFault, err)
	}
	return nil, nil
}
