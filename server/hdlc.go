package server

import (
	"slices"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/hdlc"
	"github.com/cybroslabs/libdlms-server-go/llc"
)

const (
	pollFinal  = 0x10
	controlRR  = 0x01
	controlRNR = 0x05
)

func (s *Server) handleHdlc(out *buffer.ByteBuffer) error {
	for {
		f, err := hdlc.Parse(s.rx)
		if err != nil {
			switch base.KindOf(err) {
			case base.KindInsufficientData:
				return nil
			case base.KindInvalidFrame:
				s.logf("skipping frame: %v", err)
				continue
			}
			return err
		}
		if err := s.handleFrame(out, f); err != nil {
			return err
		}
	}
}

func (s *Server) addressed(f *hdlc.Frame) bool {
	return f.Destination.Logical == s.config.Address.Logical && f.Destination.Physical == s.config.Address.Physical
}

func (s *Server) hdlcConnected() bool {
	return s.settings.Connected&base.ConnectionStateHdlc != 0
}

func (s *Server) handleFrame(out *buffer.ByteBuffer, f *hdlc.Frame) error {
	if !s.addressed(f) {
		s.dlogf("frame for %v ignored", f.Destination)
		return nil
	}
	switch {
	case f.IsUFrame():
		return s.handleUFrame(out, f)
	case f.IsSFrame():
		return s.handleSFrame(out, f)
	}
	return s.handleIFrame(out, f)
}

func (s *Server) handleUFrame(out *buffer.ByteBuffer, f *hdlc.Frame) error {
	switch f.Control | pollFinal {
	case hdlc.ControlSNRM:
		limits, err := s.config.Limits.Negotiate(f.Info)
		if err != nil {
			s.logf("snrm refused: %v", err)
			return s.writeFrameTo(out, f, hdlc.ControlDM, false, nil)
		}
		s.disconnect()
		s.settings.CheckFrame(f.Control)
		s.limits = limits
		s.client = f.Source
		s.local = f.Destination
		s.settings.ClientAddress = f.Source.Logical
		s.settings.ServerAddress = f.Destination.Logical
		s.settings.Connected = base.ConnectionStateHdlc
		s.logf("hdlc connected, client %v, limits %+v", f.Source, limits)
		return s.writeFrame(out, hdlc.ControlUA, false, limits.UA())
	case hdlc.ControlDISC:
		if !s.hdlcConnected() {
			return s.writeFrameTo(out, f, hdlc.ControlDM, false, nil)
		}
		if err := s.writeFrame(out, hdlc.ControlUA, false, nil); err != nil {
			return err
		}
		s.disconnect()
		s.logf("hdlc disconnected")
	case hdlc.ControlUI:
		s.dlogf("ui frame ignored")
	default:
		s.dlogf("unnumbered frame %02X ignored", f.Control)
	}
	return nil
}

func (s *Server) handleSFrame(out *buffer.ByteBuffer, f *hdlc.Frame) error {
	if !s.hdlcConnected() {
		return s.writeFrameTo(out, f, hdlc.ControlDM, false, nil)
	}
	if f.Control&0x0f == controlRNR {
		s.dlogf("client not ready")
		return nil
	}
	if len(s.pending) == 0 {
		return s.writeFrame(out, s.settings.KeepAlive(), false, nil)
	}
	if !s.settings.CheckFrame(f.Control) {
		return nil
	}
	return s.sendWindow(out, false)
}

func (s *Server) handleIFrame(out *buffer.ByteBuffer, f *hdlc.Frame) error {
	if !s.hdlcConnected() {
		return s.writeFrameTo(out, f, hdlc.ControlDM, false, nil)
	}
	if uint(len(f.Info)) > s.limits.MaxInfoRX {
		return base.NewError(base.KindInvalidFrame, "information field of %d bytes exceeds %d", len(f.Info), s.limits.MaxInfoRX)
	}
	if !s.settings.CheckFrame(f.Control) {
		s.dlogf("duplicate frame %02X ignored", f.Control)
		return nil
	}
	if len(s.pending) != 0 {
		s.logf("client dropped %d reply segments", len(s.pending))
		s.pending = nil
	}
	s.request.Set(f.Info)
	if f.Segmented {
		return s.writeFrame(out, s.settings.ReceiverReady(), false, nil)
	}

	req := buffer.NewFrom(slices.Clone(s.request.Array()))
	s.request.Clear()
	if err := llc.Strip(req); err != nil {
		return base.WrapError(base.KindMalformed, err)
	}
	reply, err := s.process(req.Bytes())
	if err != nil {
		return err
	}
	s.pending = hdlc.Split(llc.Wrap(reply), s.limits.MaxInfoTX)
	return s.sendWindow(out, true)
}

// sendWindow sends up to WindowTX pending segments, the poll/final bit is set on the last
// frame of the window only.
func (s *Server) sendWindow(out *buffer.ByteBuffer, first bool) error {
	window := max(s.limits.WindowTX, 1)
	for i := uint(0); i < window && len(s.pending) > 0; i++ {
		seg := s.pending[0]
		s.pending = s.pending[1:]
		more := len(s.pending) != 0
		control := s.settings.NextSend(first && i == 0)
		if more && i != window-1 {
			control &^= pollFinal
		}
		if err := s.writeFrame(out, control, more, seg); err != nil {
			return err
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

// disconnect drops association and link state but keeps unread input.
func (s *Server) disconnect() {
	s.handler.Release()
	s.settings.Reset()
	s.tx = nil
	s.pending = nil
	s.request.Clear()
	s.limits = hdlc.DefaultLimits()
}

func (s *Server) writeFrame(out *buffer.ByteBuffer, control byte, segmented bool, info []byte) error {
	f := hdlc.Frame{Destination: s.client, Source: s.local, Control: control, Segmented: segmented, Info: info}
	return f.Encode(out)
}

// writeFrameTo answers the sender of req, which may not be the connected client.
func (s *Server) writeFrameTo(out *buffer.ByteBuffer, req *hdlc.Frame, control byte, segmented bool, info []byte) error {
	f := hdlc.Frame{Destination: req.Source, Source: req.Destination, Control: control, Segmented: segmented, Info: info}
	return f.Encode(out)
}
