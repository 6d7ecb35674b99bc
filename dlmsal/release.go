package dlmsal

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

// handleRLRQ releases the association. The request content is not validated, a release
// is always granted.
func (h *Handler) handleRLRQ(src *buffer.ByteBuffer) ([]byte, error) {
	if l, err := decodelength(src); err == nil {
		if body, err := getbytes(src, l); err == nil && len(body) >= 3 && body[0] == base.BERTypeContext {
			h.dlogf("release reason %d", body[2])
		}
	}
	h.Release()
	return []byte{byte(base.TagRLRE), 0x03, base.BERTypeContext, 0x01, byte(base.ReleaseResponseReasonNormal)}, nil
}

// Release drops the association state while the link stays up. The connection hook is
// notified only when an association was active.
func (h *Handler) Release() {
	s := h.settings
	wasAssociated := s.Associated()
	s.Connected &^= base.ConnectionStateDlms
	s.Authenticated = false
	s.Cipher = nil
	s.Security = 0
	s.NegotiatedConformance = 0
	s.ResetBlockIndex()
	if wasAssociated {
		h.logf("association released")
		h.config.Hook.Disconnected(s)
	}
}
