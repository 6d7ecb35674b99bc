package dlmsal

import (
	"encoding/binary"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
)

// ReplyToHlsAuthentication verifies f(StoC) sent by the client in the HLS pass 3 and
// returns f(CtoS) for pass 4. On success the association becomes authenticated. It backs
// reply_to_HLS_authentication of the association objects.
func ReplyToHlsAuthentication(s *Settings, param []byte) ([]byte, error) {
	if !s.Associated() {
		return nil, base.WrapError(base.KindNotAssociated, base.ErrNotAssociated)
	}
	if s.Cipher == nil {
		return nil, base.NewError(base.KindAccessDenied, "no authentication in progress")
	}
	if s.Authentication == base.AuthenticationHighGmac {
		if len(param) != 5+ciphering.GCM_TAG_LENGTH {
			return nil, base.NewError(base.KindAccessDenied, "invalid gmac response length %d", len(param))
		}
		sc := param[0]
		fc := binary.BigEndian.Uint32(param[1:])
		ok, err := s.Cipher.Verify(sc, fc, param[5:])
		if err != nil || !ok {
			s.Authenticated = false
			return nil, base.NewError(base.KindAccessDenied, "gmac authentication failed")
		}
		sfc := s.NextServerFrameCounter()
		tag, err := s.Cipher.Hash(sc, sfc)
		if err != nil {
			return nil, base.WrapError(base.KindCipher, err)
		}
		ret := make([]byte, 5, 5+len(tag))
		ret[0] = sc
		binary.BigEndian.PutUint32(ret[1:], sfc)
		s.Authenticated = true
		return append(ret, tag...), nil
	}

	ok, err := s.Cipher.Verify(0, 0, param)
	if err != nil || !ok {
		s.Authenticated = false
		return nil, base.NewError(base.KindAccessDenied, "%v authentication failed", s.Authentication)
	}
	ret, err := s.Cipher.Hash(0, 0)
	if err != nil {
		return nil, base.WrapError(base.KindCipher, err)
	}
	s.Authenticated = true
	return ret, nil
}
