package server

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/wrapper"
)

func (s *Server) handleWrapper(out *buffer.ByteBuffer) error {
	for {
		f, err := wrapper.Parse(s.rx)
		if err != nil {
			switch base.KindOf(err) {
			case base.KindInsufficientData:
				return nil
			case base.KindInvalidFrame:
				s.logf("skipping input: %v", err)
				continue
			}
			return err
		}
		if f.Destination != s.config.Address.Logical {
			s.dlogf("frame for port %d ignored", f.Destination)
			continue
		}
		s.wport = f.Source
		s.settings.ClientAddress = f.Source
		s.settings.ServerAddress = f.Destination
		reply, err := s.process(f.Payload)
		if err != nil {
			return err
		}
		if err := s.writeWrapper(out, reply); err != nil {
			return err
		}
	}
}

func (s *Server) writeWrapper(out *buffer.ByteBuffer, apdu []byte) error {
	f := wrapper.Frame{Source: s.config.Address.Logical, Destination: s.wport, Payload: apdu}
	return f.Encode(out)
}
