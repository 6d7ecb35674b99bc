package dlmsal

import (
	"sync"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
	"go.uber.org/zap"
)

const (
	DefaultMaxPduSize = 0xffff
	minPduSize        = 64

	// initial hdlc sequence bytes, the first increment yields N(S)=0 and N(R)=0
	initialSenderFrame   = 0x1e
	initialReceiverFrame = 0xfe
)

// conformance defaults of a server, computed once
var (
	defaultConformanceLN = sync.OnceValue(func() uint32 {
		return base.ConformanceBlockGet | base.ConformanceBlockSet | base.ConformanceBlockAction |
			base.ConformanceBlockSelectiveAccess | base.ConformanceBlockMultipleReferences |
			base.ConformanceBlockBlockTransferWithGetOrRead | base.ConformanceBlockBlockTransferWithSetOrWrite |
			base.ConformanceBlockBlockTransferWithAction | base.ConformanceBlockAttribute0SupportedWithGet |
			base.ConformanceBlockDataNotification | base.ConformanceBlockAccess
	})
	defaultConformanceSN = sync.OnceValue(func() uint32 {
		return base.ConformanceBlockRead | base.ConformanceBlockWrite | base.ConformanceBlockUnconfirmedWrite |
			base.ConformanceBlockMultipleReferences | base.ConformanceBlockBlockTransferWithGetOrRead |
			base.ConformanceBlockBlockTransferWithSetOrWrite | base.ConformanceBlockParametrizedAccess |
			base.ConformanceBlockInformationReport | base.ConformanceBlockDataNotification
	})
)

// DefaultConformance returns the capability set proposed for LN or SN referencing.
func DefaultConformance(ln bool) uint32 {
	if ln {
		return defaultConformanceLN()
	}
	return defaultConformanceSN()
}

// Settings is the state of one association. It is not safe for concurrent use, every
// session owns its own instance.
type Settings struct {
	IsServer      bool
	InterfaceType base.InterfaceType
	ClientAddress uint16
	ServerAddress uint16

	Authentication base.Authentication
	// Authenticated is set once the association passed its authentication, for HLS after
	// the reply_to_HLS_authentication method succeeded.
	Authenticated bool
	Cipher        ciphering.Ciphering
	// Security is the security control byte used for protected responses.
	Security           byte
	ServerFrameCounter uint32
	clientFrameCounter uint32

	StartingBlockIndex uint32
	BlockNumberAck     uint32
	WindowSize         byte
	MaxServerPduSize   uint16

	ProposedConformance   uint32
	NegotiatedConformance uint32
	Connected             base.ConnectionState

	// LongInvokeId is the invoke id of Access and Data-Notification, it increments per use.
	LongInvokeId uint32

	priority      bool
	serviceClass  bool
	invokeId      byte
	blockIndex    uint32
	maxPduSize    uint16
	lnReferencing bool

	senderFrame   byte
	receiverFrame byte
	rrsent        bool

	logger *zap.SugaredLogger
}

// NewSettings creates server side settings for LN or SN referencing.
func NewSettings(ln bool, iface base.InterfaceType) *Settings {
	s := &Settings{
		IsServer:           true,
		InterfaceType:      iface,
		StartingBlockIndex: 1,
		MaxServerPduSize:   1024,
		WindowSize:         1,
	}
	s.SetUseLogicalNameReferencing(ln)
	s.Reset()
	return s
}

func (s *Settings) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *Settings) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *Settings) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

// UseLogicalNameReferencing reports LN (true) or SN (false) referencing.
func (s *Settings) UseLogicalNameReferencing() bool {
	return s.lnReferencing
}

// SetUseLogicalNameReferencing switches the referencing and recomputes the proposed conformance.
func (s *Settings) SetUseLogicalNameReferencing(ln bool) {
	s.lnReferencing = ln
	s.ProposedConformance = DefaultConformance(ln)
	if s.IsServer {
		s.ProposedConformance |= base.ConformanceBlockGeneralProtection
	}
}

// UpdateInvokeId stores priority (bit 7), service class (bit 6) and invoke id (low 4 bits).
func (s *Settings) UpdateInvokeId(v byte) {
	s.priority = v&0x80 != 0
	s.serviceClass = v&0x40 != 0
	s.invokeId = v & 0x0f
}

// InvokeIdAndPriority builds the wire byte echoed in responses.
func (s *Settings) InvokeIdAndPriority() byte {
	v := s.invokeId
	if s.priority {
		v |= 0x80
	}
	if s.serviceClass {
		v |= 0x40
	}
	return v
}

func (s *Settings) InvokeId() byte {
	return s.invokeId
}

// NextLongInvokeId returns the long invoke id for an unsolicited PDU and advances it.
func (s *Settings) NextLongInvokeId() uint32 {
	v := s.LongInvokeId
	s.LongInvokeId = (s.LongInvokeId + 1) & 0x00ffffff
	return v
}

func (s *Settings) BlockIndex() uint32 {
	return s.blockIndex
}

func (s *Settings) IncreaseBlockIndex() {
	s.blockIndex++
}

// ResetBlockIndex restarts block numbering and clears the general block transfer ack.
func (s *Settings) ResetBlockIndex() {
	s.blockIndex = s.StartingBlockIndex
	s.BlockNumberAck = 0
}

// MaxPduSize is the negotiated ceiling of one APDU.
func (s *Settings) MaxPduSize() uint16 {
	return s.maxPduSize
}

// SetMaxPduSize rejects 1 to 63, 0 selects the default used before negotiation.
func (s *Settings) SetMaxPduSize(v uint16) error {
	if v > 0 && v < minPduSize {
		return base.NewError(base.KindRange, "max pdu size %d is below %d", v, minPduSize)
	}
	if v == 0 {
		v = DefaultMaxPduSize
	}
	s.maxPduSize = v
	return nil
}

// CheckClientFrameCounter enforces a strictly increasing invocation counter of the client.
func (s *Settings) CheckClientFrameCounter(fc uint32) bool {
	if fc < s.clientFrameCounter {
		return false
	}
	s.clientFrameCounter = fc + 1
	return true
}

// ExpectedClientFrameCounter is the lowest invocation counter the client may use next.
func (s *Settings) ExpectedClientFrameCounter() uint32 {
	return s.clientFrameCounter
}

// NextServerFrameCounter returns the invocation counter for the next protected response.
func (s *Settings) NextServerFrameCounter() uint32 {
	s.ServerFrameCounter++
	return s.ServerFrameCounter
}

// Associated reports an accepted association.
func (s *Settings) Associated() bool {
	return s.Connected&base.ConnectionStateDlms != 0
}

// HlsPending reports an association waiting for reply_to_HLS_authentication.
func (s *Settings) HlsPending() bool {
	return s.Associated() && !s.Authenticated
}

// hdlc send/receive sequence numbers live in one byte each, in the layout of the
// control field: N(R) in bits 5-7, poll/final in bit 4, N(S) in bits 1-3.

func incrementRecv(v byte) byte {
	return ((v + 0x20) & 0xe0) | 0x10 | (v & 0x0e)
}

func incrementSend(v byte) byte {
	return (v & 0xf0) | ((v + 2) & 0x0e)
}

// ResetFrameSequence restores the sequence numbers of a fresh link.
func (s *Settings) ResetFrameSequence() {
	s.senderFrame = initialSenderFrame
	s.receiverFrame = initialReceiverFrame
	s.rrsent = false
}

// NextSend returns the control byte of the next I-frame sent. first marks a frame that
// acknowledges the last received one, followup segments only advance N(S).
func (s *Settings) NextSend(first bool) byte {
	if first {
		s.senderFrame = incrementRecv(incrementSend(s.senderFrame))
	} else {
		s.senderFrame = incrementSend(s.senderFrame)
	}
	s.rrsent = false
	return s.senderFrame
}

// ReceiverReady returns the RR control byte acknowledging a received segment.
func (s *Settings) ReceiverReady() byte {
	s.senderFrame = incrementRecv(s.senderFrame)
	s.rrsent = true
	return (s.senderFrame & 0xf0) | 1
}

// KeepAlive returns an RR control byte without advancing anything.
func (s *Settings) KeepAlive() byte {
	return (s.senderFrame & 0xf0) | 1
}

// CheckFrame validates the control byte of a received frame and advances the receive
// state. False means a duplicate or out of sequence frame that must be ignored.
func (s *Settings) CheckFrame(frame byte) bool {
	switch {
	case frame&3 == 3: // u-frame
		switch frame &^ 0x10 {
		case 0x63: // ua echo
			return false
		case 0x83, 0x43: // snrm, disc
			s.ResetFrameSequence()
		}
		return true
	case frame&3 == 1: // s-frame
		if frame == s.senderFrame&0xf1 {
			return false
		}
		s.receiverFrame = incrementRecv(s.receiverFrame)
		return true
	}
	expected := incrementRecv(incrementSend(s.receiverFrame))
	if frame == expected {
		s.receiverFrame = frame
		return true
	}
	if s.rrsent {
		// the client keeps N(R) while it sends further segments acknowledged by RR
		if alt := incrementSend(s.receiverFrame) | 0x10; frame == alt {
			s.receiverFrame = frame
			return true
		}
	}
	s.logf("invalid hdlc frame %02X, expected %02X", frame, expected)
	return false
}

// Reset drops the association: addressing, authentication, cipher and all sequencing.
func (s *Settings) Reset() {
	s.ClientAddress = 0
	s.Authentication = base.AuthenticationNone
	s.Authenticated = false
	s.Cipher = nil
	s.Security = 0
	s.ServerFrameCounter = 0
	s.clientFrameCounter = 0
	s.NegotiatedConformance = 0
	s.Connected = base.ConnectionStateNone
	s.LongInvokeId = 0
	s.priority = true
	s.serviceClass = true
	s.invokeId = 0
	s.maxPduSize = DefaultMaxPduSize
	s.ResetBlockIndex()
	s.ResetFrameSequence()
	s.dlogf("settings reset")
}
