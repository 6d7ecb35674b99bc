package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
)

var (
	appContextPrefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
	mechNamePrefix   = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x02}
	initiateMarker   = []byte{0x5f, 0x1f, 0x04, 0x00}
)

// aarq holds the fields of an association request the server cares about.
type aarq struct {
	context     base.ApplicationContext
	clientTitle []byte
	hasMech     bool
	mechanism   base.Authentication
	authValue   []byte
	userInfo    []byte
}

type initiateRequest struct {
	dedicatedKey []byte
	version      byte
	conformance  uint32
	maxPduSize   uint16
	ciphered     bool
}

// aareResult is what the AARE reports back.
type aareResult struct {
	result     base.AssociationResult
	diagnostic base.SourceDiagnostic
	// initiateError is the ServiceError value of a rejected InitiateRequest, 0 otherwise.
	initiateError byte
	stoc          []byte
	ciphered      bool
}

func parseAARQ(src *buffer.ByteBuffer) (*aarq, error) {
	l, err := decodelength(src)
	if err != nil {
		return nil, err
	}
	body, err := getbytes(src, l)
	if err != nil {
		return nil, err
	}
	ret := &aarq{context: base.ApplicationContextLNNoCiphering}
	b := buffer.NewFrom(body)
	for b.Available() > 0 {
		tag, data, err := decodetag(b)
		if err != nil {
			return nil, err
		}
		switch tag {
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName:
			if len(data) != 9 || !bytes.Equal(data[:8], appContextPrefix) {
				return nil, fmt.Errorf("invalid application context name")
			}
			ret.context = base.ApplicationContext(data[8])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCallingAPTitle:
			if len(data) < 2 || data[0] != 0x04 || int(data[1]) != len(data)-2 {
				return nil, fmt.Errorf("invalid calling ap title")
			}
			ret.clientTitle = bytes.Clone(data[2:])
		case base.BERTypeContext | base.PduTypeSenderAcseRequirements:
		case base.BERTypeContext | base.PduTypeMechanismName:
			if len(data) != 7 || !bytes.Equal(data[:6], mechNamePrefix) {
				return nil, fmt.Errorf("invalid mechanism name")
			}
			ret.hasMech = true
			ret.mechanism = base.Authentication(data[6])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCallingAuthenticationValue:
			if len(data) < 2 || data[0] != 0x80 || int(data[1]) != len(data)-2 {
				return nil, fmt.Errorf("invalid calling authentication value")
			}
			ret.authValue = bytes.Clone(data[2:])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeUserInformation:
			if len(data) < 2 || data[0] != 0x04 || int(data[1]) != len(data)-2 {
				return nil, fmt.Errorf("invalid user information")
			}
			ret.userInfo = bytes.Clone(data[2:])
		default:
			// protocol version, called titles, invocation ids and implementation information are ignored
		}
	}
	return ret, nil
}

func parseInitiateRequest(src []byte) (*initiateRequest, error) {
	b := buffer.NewFrom(src)
	tag, err := b.GetUInt8()
	if err != nil {
		return nil, err
	}
	if base.CosemTag(tag) != base.TagInitiateRequest {
		return nil, fmt.Errorf("unexpected user information tag %02x", tag)
	}
	ret := &initiateRequest{}
	has, err := b.GetUInt8()
	if err != nil {
		return nil, err
	}
	if has != 0 {
		l, err := b.GetUInt8()
		if err != nil {
			return nil, err
		}
		if ret.dedicatedKey, err = getbytes(b, uint(l)); err != nil {
			return nil, err
		}
	}
	// response-allowed and proposed-quality-of-service
	for range 2 {
		has, err := b.GetUInt8()
		if err != nil {
			return nil, err
		}
		if has != 0 {
			if _, err := b.GetUInt8(); err != nil {
				return nil, err
			}
		}
	}
	if ret.version, err = b.GetUInt8(); err != nil {
		return nil, err
	}
	if !b.Compare(initiateMarker) {
		return nil, fmt.Errorf("invalid conformance block")
	}
	if ret.conformance, err = b.GetUInt24(); err != nil {
		return nil, err
	}
	if ret.maxPduSize, err = b.GetUInt16(); err != nil {
		return nil, err
	}
	return ret, nil
}

// decryptInitiate removes the protection of a glo-initiate-request.
func (h *Handler) decryptInitiate(c ciphering.Ciphering, src []byte) ([]byte, error) {
	b := buffer.NewFrom(src[1:])
	l, err := decodelength(b)
	if err != nil {
		return nil, err
	}
	if l < 5 || l > uint(b.Available()) {
		return nil, fmt.Errorf("invalid ciphered initiate request length")
	}
	sc, _ := b.GetUInt8()
	fc, _ := b.GetUInt32()
	ct, _ := getbytes(b, l-5)
	if !h.settings.CheckClientFrameCounter(fc) {
		return nil, base.WrapError(base.KindCipher, fmt.Errorf("%w: %d", base.ErrFrameCounter, fc))
	}
	h.settings.Security = sc
	return c.Decrypt(nil, sc, fc, ct)
}

func (h *Handler) contextSupported(ctx base.ApplicationContext) bool {
	switch ctx {
	case base.ApplicationContextLNNoCiphering:
		return h.settings.UseLogicalNameReferencing()
	case base.ApplicationContextSNNoCiphering:
		return !h.settings.UseLogicalNameReferencing()
	case base.ApplicationContextLNCiphering:
		return h.settings.UseLogicalNameReferencing() && h.config.NewCipher != nil
	case base.ApplicationContextSNCiphering:
		return !h.settings.UseLogicalNameReferencing() && h.config.NewCipher != nil
	}
	return false
}

// handleAARQ establishes an association and answers with the AARE. A rejected request
// leaves the session unassociated.
func (h *Handler) handleAARQ(src *buffer.ByteBuffer) ([]byte, error) {
	s := h.settings
	s.Connected &^= base.ConnectionStateDlms
	s.Authenticated = false
	s.Cipher = nil
	s.Security = 0
	s.NegotiatedConformance = 0

	req, err := parseAARQ(src)
	if err != nil {
		h.logf("malformed aarq: %v", err)
		return h.aare(&aarq{context: h.expectedContext()}, &aareResult{
			result:     base.AssociationResultPermanentRejected,
			diagnostic: base.SourceDiagnosticNoReasonGiven,
		}, nil), nil
	}
	res, init := h.associate(req)
	if res.result != base.AssociationResultAccepted {
		h.logf("association rejected, diagnostic %d", res.diagnostic)
		h.config.Hook.InvalidConnection(s, fmt.Errorf("association rejected, diagnostic %d", res.diagnostic))
		reply := h.aare(req, res, nil)
		s.Cipher = nil
		s.Security = 0
		return reply, nil
	}

	s.Connected |= base.ConnectionStateDlms
	s.Authentication = req.mechanism
	s.Authenticated = req.mechanism <= base.AuthenticationLow
	h.logf("association accepted, authentication %v, conformance %06X, max pdu %d", req.mechanism, s.NegotiatedConformance, s.MaxPduSize())
	if s.Authenticated {
		h.config.Hook.Connected(s)
	}
	return h.aare(req, res, init), nil
}

func (h *Handler) expectedContext() base.ApplicationContext {
	if h.settings.UseLogicalNameReferencing() {
		return base.ApplicationContextLNNoCiphering
	}
	return base.ApplicationContextSNNoCiphering
}

// associate validates the request and negotiates the session parameters.
func (h *Handler) associate(req *aarq) (*aareResult, *initiateRequest) {
	s := h.settings
	rejected := func(diag base.SourceDiagnostic) *aareResult {
		return &aareResult{result: base.AssociationResultPermanentRejected, diagnostic: diag}
	}
	if !h.contextSupported(req.context) {
		return rejected(base.SourceDiagnosticApplicationContextNameNotSupported), nil
	}
	if req.mechanism != h.config.Authentication {
		if !req.hasMech {
			return rejected(base.SourceDiagnosticAuthenticationMechanismNameRequired), nil
		}
		return rejected(base.SourceDiagnosticAuthenticationMechanismNameNotRecognized), nil
	}
	if req.mechanism == base.AuthenticationHighGmac && len(req.clientTitle) != ciphering.TitleLength {
		return rejected(base.SourceDiagnosticCallingAPTitleNotRecognized), nil
	}

	var c ciphering.Ciphering
	if h.config.NewCipher != nil {
		var err error
		if c, err = h.config.NewCipher(); err != nil {
			h.logf("unable to create cipher: %v", err)
			return rejected(base.SourceDiagnosticNoReasonGiven), nil
		}
		var ctos []byte
		if req.mechanism > base.AuthenticationLow {
			ctos = req.authValue
		}
		if err = c.Setup(req.clientTitle, ctos); err != nil {
			h.logf("cipher setup failed: %v", err)
			return rejected(base.SourceDiagnosticCallingAPTitleNotRecognized), nil
		}
		s.Cipher = c
	}

	if len(req.userInfo) == 0 {
		return rejected(base.SourceDiagnosticNoReasonGiven), nil
	}
	info := req.userInfo
	ciphered := base.CosemTag(info[0]) == base.TagGloInitiateRequest
	if ciphered {
		if c == nil {
			return rejected(base.SourceDiagnosticApplicationContextNameNotSupported), nil
		}
		var err error
		if info, err = h.decryptInitiate(c, info); err != nil {
			h.logf("unable to decrypt initiate request: %v", err)
			return rejected(base.SourceDiagnosticNoReasonGiven), nil
		}
	}
	init, err := parseInitiateRequest(info)
	if err != nil {
		h.logf("malformed initiate request: %v", err)
		return rejected(base.SourceDiagnosticNoReasonGiven), nil
	}
	init.ciphered = ciphered

	initiateError := func(v byte) (*aareResult, *initiateRequest) {
		r := rejected(base.SourceDiagnosticNoReasonGiven)
		r.initiateError = v
		r.ciphered = ciphered
		return r, nil
	}
	if init.version < base.DlmsVersion {
		return initiateError(base.InitiateDlmsVersionTooLow)
	}
	conformance := s.ProposedConformance & init.conformance
	if conformance == 0 {
		return initiateError(base.InitiateIncompatibleConformance)
	}
	if err := s.SetMaxPduSize(init.maxPduSize); err != nil {
		return initiateError(base.InitiatePduSizeTooShort)
	}
	s.NegotiatedConformance = conformance

	if req.mechanism == base.AuthenticationLow {
		ok, err := c.Verify(0, 0, req.authValue)
		if err != nil || !ok {
			return rejected(base.SourceDiagnosticAuthenticationFailure), nil
		}
	}
	ret := &aareResult{result: base.AssociationResultAccepted, diagnostic: base.SourceDiagnosticNone, ciphered: ciphered}
	if req.mechanism > base.AuthenticationLow {
		ret.diagnostic = base.SourceDiagnosticAuthenticationRequired
		ret.stoc = c.Challenge()
	}
	return ret, init
}

// aare builds the association response.
func (h *Handler) aare(req *aarq, res *aareResult, init *initiateRequest) []byte {
	s := h.settings
	content := buffer.NewWithCapacity(128)

	content.SetUInt8(base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName)
	content.SetUInt8(0x09)
	content.Set(appContextPrefix)
	content.SetUInt8(byte(req.context))

	content.Set([]byte{base.BERTypeContext | base.BERTypeConstructed | 0x02, 0x03, 0x02, 0x01, byte(res.result)})
	content.Set([]byte{base.BERTypeContext | base.BERTypeConstructed | 0x03, 0x05, 0xa1, 0x03, 0x02, 0x01, byte(res.diagnostic)})

	if s.Cipher != nil && (req.context == base.ApplicationContextLNCiphering || req.context == base.ApplicationContextSNCiphering ||
		req.mechanism == base.AuthenticationHighGmac) {
		if title := s.Cipher.SystemTitle(); len(title) == ciphering.TitleLength {
			encodetag2(content, base.BERTypeContext|base.BERTypeConstructed|0x04, 0x04, title)
		}
	}
	if res.result == base.AssociationResultAccepted && req.mechanism > base.AuthenticationLow {
		// responder-acse-requirements, mechanism name and StoC
		content.Set([]byte{base.BERTypeContext | 0x08, 0x02, 0x07, 0x80})
		content.SetUInt8(base.BERTypeContext | 0x09)
		content.SetUInt8(0x07)
		content.Set(mechNamePrefix)
		content.SetUInt8(byte(req.mechanism))
		encodetag2(content, base.BERTypeContext|base.BERTypeConstructed|0x0a, 0x80, res.stoc)
	}

	var info []byte
	switch {
	case res.initiateError != 0:
		info = ConfirmedServiceError(base.ConfirmedServiceErrorInitiate, base.ServiceErrorInitiate, res.initiateError)
	case res.result == base.AssociationResultAccepted:
		info = h.initiateResponse()
	}
	if info != nil {
		if res.ciphered && s.Cipher != nil {
			if enc, err := h.protect(info[0], info); err == nil {
				info = enc
			} else {
				h.logf("unable to cipher initiate response: %v", err)
			}
		}
		encodetag2(content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeUserInformation, 0x04, info)
	}

	out := buffer.NewWithCapacity(content.Size() + 3)
	encodetag(out, byte(base.TagAARE), content.Array())
	return out.Array()
}

func (h *Handler) initiateResponse() []byte {
	s := h.settings
	ret := make([]byte, 14)
	ret[0] = byte(base.TagInitiateResponse)
	ret[1] = 0x00 // no negotiated quality of service
	ret[2] = base.DlmsVersion
	copy(ret[3:], initiateMarker)
	ret[7] = byte(s.NegotiatedConformance >> 16)
	ret[8] = byte(s.NegotiatedConformance >> 8)
	ret[9] = byte(s.NegotiatedConformance)
	binary.BigEndian.PutUint16(ret[10:], s.MaxServerPduSize)
	if s.UseLogicalNameReferencing() {
		binary.BigEndian.PutUint16(ret[12:], base.VAANameLN)
	} else {
		binary.BigEndian.PutUint16(ret[12:], base.VAANameSN)
	}
	return ret
}

// protect wraps a plain APDU into its glo ciphered form using the session security.
func (h *Handler) protect(tag byte, apdu []byte) ([]byte, error) {
	s := h.settings
	if s.Cipher == nil {
		return nil, base.NewError(base.KindCipher, "no cipher for protected response")
	}
	sc := s.Security
	if sc&(base.SecurityControlAuthentication|base.SecurityControlEncryption) == 0 {
		sc |= base.SecurityControlAuthentication | base.SecurityControlEncryption
	}
	fc := s.NextServerFrameCounter()
	ct, err := s.Cipher.Encrypt(nil, sc, fc, apdu)
	if err != nil {
		return nil, base.WrapError(base.KindCipher, err)
	}
	out := buffer.NewWithCapacity(len(ct) + 20)
	if gt := base.CosemTag(tag).GloResponse(); gt != 0 {
		out.SetUInt8(byte(gt))
	} else {
		// services without a glo tag go into general-glo-ciphering
		title := s.Cipher.SystemTitle()
		out.SetUInt8(byte(base.TagGeneralGloCiphering))
		encodelength(out, uint(len(title)))
		out.Set(title)
	}
	encodelength(out, uint(len(ct)+5))
	out.SetUInt8(sc)
	out.SetUInt32(fc)
	out.Set(ct)
	return out.Array(), nil
}

// Protect is protect for callers outside the handler, such as the session engine.
func (h *Handler) Protect(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, base.NewError(base.KindMalformed, "empty apdu")
	}
	return h.protect(apdu[0], apdu)
}

// Unprotect decrypts a glo ciphered request, checks the client frame counter and stores
// its security control for the response.
func (h *Handler) Unprotect(apdu []byte) ([]byte, error) {
	s := h.settings
	if s.Cipher == nil {
		return nil, base.NewError(base.KindCipher, "ciphered apdu without cipher")
	}
	b := buffer.NewFrom(apdu[1:])
	l, err := decodelength(b)
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}
	if l < 5 || l > uint(b.Available()) {
		return nil, base.NewError(base.KindMalformed, "invalid ciphered apdu length %d", l)
	}
	sc, _ := b.GetUInt8()
	fc, _ := b.GetUInt32()
	ct, _ := getbytes(b, l-5)
	if !s.CheckClientFrameCounter(fc) {
		return nil, base.WrapError(base.KindCipher, fmt.Errorf("%w: %d", base.ErrFrameCounter, fc))
	}
	plain, err := s.Cipher.Decrypt(nil, sc, fc, ct)
	if err != nil {
		return nil, base.WrapError(base.KindCipher, err)
	}
	s.Security = sc
	return plain, nil
}
