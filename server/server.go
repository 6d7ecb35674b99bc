// Package server runs one DLMS/COSEM server session over a raw byte stream.
//
// A Server is fed the bytes received on a connection or serial line through
// HandleRequest. It strips the HDLC or WRAPPER framing, reassembles segmented requests,
// unwraps glo ciphered APDUs, dispatches them to the application layer handler and frames
// the responses again, splitting them according to the negotiated HDLC limits. The
// session state (settings, long transaction, partially received frames) is owned by the
// Server, so a listener creates one Server per connection and never shares it between
// goroutines.
package server

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/hdlc"
	"go.uber.org/zap"
)

const (
	// public client address, used for pushes before any client connected
	defaultClientAddress = 0x10
	// received bytes kept while waiting for the end of a frame
	maxPendingInput = 0x10000
)

type Config struct {
	Interface              base.InterfaceType
	LogicalNameReferencing bool
	// Address is the HDLC address of the server, its logical part is the WRAPPER port.
	Address hdlc.Address
	// Limits are the largest HDLC parameters the server accepts during SNRM.
	Limits           hdlc.Limits
	MaxServerPduSize uint16
	Handler          dlmsal.HandlerConfig
}

func DefaultConfig() Config {
	return Config{
		Interface:              base.InterfaceHDLC,
		LogicalNameReferencing: true,
		Address:                hdlc.Address{Logical: 1},
		Limits:                 hdlc.DefaultLimits(),
		MaxServerPduSize:       1024,
	}
}

// Server is one session. It implements base.RequestHandler.
type Server struct {
	config   Config
	settings *dlmsal.Settings
	handler  *dlmsal.Handler
	tx       *dlmsal.AwaitingBlock

	rx      *buffer.ByteBuffer
	request *buffer.ByteBuffer // information fields of a segmented request
	pending [][]byte           // reply segments waiting for RR
	limits  hdlc.Limits
	client  hdlc.Address
	local   hdlc.Address
	wport   uint16 // client WRAPPER port

	logger *zap.SugaredLogger
}

var _ base.RequestHandler = (*Server)(nil)

func New(config Config) (*Server, error) {
	if config.Interface != base.InterfaceHDLC && config.Interface != base.InterfaceWrapper {
		return nil, fmt.Errorf("unsupported interface type %v", config.Interface)
	}
	if err := config.Address.Validate(); err != nil {
		return nil, err
	}
	if config.Limits.MaxInfoTX == 0 || config.Limits.MaxInfoRX == 0 {
		config.Limits = hdlc.DefaultLimits()
	}
	settings := dlmsal.NewSettings(config.LogicalNameReferencing, config.Interface)
	if config.MaxServerPduSize != 0 {
		settings.MaxServerPduSize = config.MaxServerPduSize
	}
	handler, err := dlmsal.NewHandler(settings, config.Handler)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		settings: settings,
		handler:  handler,
		rx:       buffer.New(),
		request:  buffer.New(),
		limits:   hdlc.DefaultLimits(),
		client:   hdlc.Address{Logical: defaultClientAddress},
		local:    config.Address,
		wport:    defaultClientAddress,
	}
	return s, nil
}

func (s *Server) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
	s.handler.SetLogger(logger)
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *Server) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

// Settings exposes the association state, mostly for tests and diagnostics.
func (s *Server) Settings() *dlmsal.Settings {
	return s.settings
}

// Handler is the application layer handler of the session.
func (s *Server) Handler() *dlmsal.Handler {
	return s.handler
}

// HandleRequest consumes received bytes and returns the bytes to send, nil while a frame
// is incomplete. Several complete frames in data are all answered, in order. A returned
// error is session fatal: the reply then carries a reject frame and the session has been
// reset.
func (s *Server) HandleRequest(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	s.dlogf("%s", base.LogHex("rx", data))
	s.rx.Set(data)

	out := buffer.New()
	var err error
	if s.config.Interface == base.InterfaceHDLC {
		err = s.handleHdlc(out)
	} else {
		err = s.handleWrapper(out)
	}
	if err != nil {
		s.logf("session rejected: %v", err)
		if rerr := s.reject(out); rerr != nil {
			s.logf("unable to build reject frame: %v", rerr)
		}
		s.Reset()
		return out.Array(), err
	}

	s.rx.Trim()
	if s.rx.Size() > maxPendingInput {
		s.logf("dropping %d bytes without a complete frame", s.rx.Size())
		s.rx.Clear()
	}
	if out.Size() == 0 {
		return nil, nil
	}
	s.dlogf("%s", base.LogHex("tx", out.Bytes()))
	return out.Array(), nil
}

// Reset tears the whole session down: association, link state, transaction and buffers.
// Listeners call it on inactivity timeouts and when the peer disconnects.
func (s *Server) Reset() {
	s.disconnect()
	s.rx.Clear()
}

// process answers one complete APDU, unwrapping and re-wrapping glo ciphering.
func (s *Server) process(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, base.NewError(base.KindMalformed, "empty apdu")
	}
	tag := base.CosemTag(apdu[0])
	ciphered := false
	switch {
	case tag == base.TagGeneralGloCiphering:
		plain, err := s.unprotectGeneral(apdu)
		if err != nil {
			return s.cipherError(err), nil
		}
		apdu, ciphered = plain, true
	case tag.IsGloCiphered():
		plain, err := s.handler.Unprotect(apdu)
		if err != nil {
			return s.cipherError(err), nil
		}
		apdu, ciphered = plain, true
	case tag.IsDedCiphered() || tag == base.TagGeneralDedCiphering:
		s.logf("dedicated ciphering is not supported")
		return dlmsal.ExceptionResponse(base.ExceptionStateServiceNotAllowed, base.ExceptionServiceDecipheringError), nil
	case s.settings.Security != 0 && tag != base.TagAARQ && tag != base.TagRLRQ:
		s.logf("plain %v in a ciphered association", tag)
		return dlmsal.ExceptionResponse(base.ExceptionStateServiceNotAllowed, base.ExceptionServiceOperationNotPossible), nil
	}
	if len(apdu) == 0 {
		return nil, base.NewError(base.KindMalformed, "empty ciphered apdu")
	}

	reply, tx, err := s.handler.Handle(buffer.NewFrom(apdu), s.tx)
	if err != nil {
		s.tx = nil
		return nil, err
	}
	s.tx = tx
	if ciphered && len(reply) > 0 && base.CosemTag(reply[0]) != base.TagExceptionResponse && s.settings.Cipher != nil {
		if reply, err = s.handler.Protect(reply); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// unprotectGeneral strips the system title of general-glo-ciphering and decrypts the rest.
func (s *Server) unprotectGeneral(apdu []byte) ([]byte, error) {
	b := buffer.NewFrom(apdu[1:])
	l, err := b.GetUInt8()
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}
	title, err := b.GetBytes(int(l))
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}
	if c := s.settings.Cipher; c != nil && len(c.ClientSystemTitle()) != 0 && string(c.ClientSystemTitle()) != string(title) {
		return nil, base.NewError(base.KindCipher, "unexpected system title %X", title)
	}
	rest := make([]byte, 0, 1+b.Available())
	rest = append(rest, apdu[0])
	rest = append(rest, b.Bytes()...)
	return s.handler.Unprotect(rest)
}

func (s *Server) cipherError(err error) []byte {
	s.logf("unable to decipher request: %v", err)
	if errors.Is(err, base.ErrFrameCounter) {
		return dlmsal.InvocationCounterError(s.settings.ExpectedClientFrameCounter())
	}
	return dlmsal.ExceptionResponse(base.ExceptionStateServiceNotAllowed, base.ExceptionServiceDecipheringError)
}

// reject appends the reply of a session fatal failure.
func (s *Server) reject(out *buffer.ByteBuffer) error {
	if s.config.Interface == base.InterfaceHDLC {
		return s.writeFrame(out, hdlc.ControlFRMR, false, nil)
	}
	return s.writeWrapper(out, dlmsal.ExceptionResponse(base.ExceptionStateServiceNotAllowed, base.ExceptionServiceOperationNotPossible))
}
