package dlmsal

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
	"go.uber.org/zap"
)

// overhead of a glo ciphered envelope: tag, length, security control, frame counter, gcm tag
const cipherOverhead = 1 + 3 + 1 + 4 + ciphering.GCM_TAG_LENGTH

// AwaitingBlock is the long transaction of a session: a multi-block Get/Read/Set/Write/
// Action exchange in progress. A nil *AwaitingBlock means the session is idle. Handlers
// take the current transaction and return the next one, so at most one can be open.
type AwaitingBlock struct {
	Command base.CosemTag
	Targets []*ValueEventArgs
	// Data holds bytes not sent yet, or bytes received so far for block writes.
	Data *buffer.ByteBuffer
	// List marks a transaction opened by a with-list request.
	List bool
	// Receiving marks blocks sent by the client, otherwise the server is sending.
	Receiving bool
}

func (t *AwaitingBlock) pendingRows() bool {
	for _, e := range t.Targets {
		if e.Paged() {
			return true
		}
	}
	return false
}

// HandlerConfig are the collaborators of the application layer handlers.
type HandlerConfig struct {
	Resolver ObjectResolver
	Policy   AccessPolicy
	Hook     ConnectionHook
	// Authentication is the mechanism clients have to use, AuthenticationNone accepts
	// lowest level associations.
	Authentication base.Authentication
	// NewCipher creates the security collaborator of a new association. It is required
	// for every authentication above lowest level and for ciphered contexts.
	NewCipher func() (ciphering.Ciphering, error)
}

// Handler decodes application layer requests and builds the responses. It is bound to
// the settings of one session and used from one goroutine only.
type Handler struct {
	settings *Settings
	config   HandlerConfig
	snindex  *ShortNameIndex
	logger   *zap.SugaredLogger
}

func NewHandler(settings *Settings, config HandlerConfig) (*Handler, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("object resolver is required")
	}
	if config.Policy == nil {
		config.Policy = DefaultAccessPolicy{}
	}
	if config.Hook == nil {
		config.Hook = NopHook{}
	}
	if config.Authentication != base.AuthenticationNone && config.NewCipher == nil {
		return nil, fmt.Errorf("authentication %v requires a cipher factory", config.Authentication)
	}
	h := &Handler{settings: settings, config: config}
	h.Initialize()
	return h, nil
}

// Initialize rebuilds the short name index. It must not run concurrently with requests.
func (h *Handler) Initialize() {
	h.snindex = NewShortNameIndex(h.config.Resolver.Objects())
}

func (h *Handler) Settings() *Settings {
	return h.settings
}

func (h *Handler) SetLogger(logger *zap.SugaredLogger) {
	h.logger = logger
	h.settings.SetLogger(logger)
}

func (h *Handler) logf(format string, v ...any) {
	if h.logger != nil {
		h.logger.Infof(format, v...)
	}
}

func (h *Handler) dlogf(format string, v ...any) {
	if h.logger != nil {
		h.logger.Debugf(format, v...)
	}
}

// Handle processes one complete plain APDU. The reply is a plain APDU too, protection
// is applied by the caller. A truncated or malformed service request is answered in band
// with read-write-denied, any other returned error is session fatal.
func (h *Handler) Handle(src *buffer.ByteBuffer, tx *AwaitingBlock) ([]byte, *AwaitingBlock, error) {
	t, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, fmt.Errorf("empty apdu"))
	}
	tag := base.CosemTag(t)
	h.dlogf("handling %v", tag)
	switch tag {
	case base.TagAARQ:
		r, err := h.handleAARQ(src)
		return r, nil, err
	case base.TagRLRQ:
		r, err := h.handleRLRQ(src)
		return r, nil, err
	}

	if !h.settings.Associated() {
		h.logf("%v received before association", tag)
		return notAssociatedError(), nil, nil
	}
	if !h.allowed(tag) {
		h.logf("%v is not allowed by the negotiated conformance", tag)
		return exceptionResponse(base.ExceptionStateServiceNotAllowed, base.ExceptionServiceNotSupported), tx, nil
	}

	var reply *buffer.ByteBuffer
	switch tag {
	case base.TagGetRequest:
		reply, tx, err = h.handleGet(src, tx)
	case base.TagSetRequest:
		reply, tx, err = h.handleSet(src, tx)
	case base.TagActionRequest:
		reply, tx, err = h.handleAction(src, tx)
	case base.TagAccessRequest:
		reply, err = h.handleAccess(src)
		tx = nil
	case base.TagReadRequest:
		reply, tx, err = h.handleRead(src, tx)
	case base.TagWriteRequest:
		reply, tx, err = h.handleWrite(src, tx)
	default:
		h.logf("unsupported apdu %v", tag)
		return exceptionResponse(base.ExceptionStateServiceUnknown, base.ExceptionServiceNotSupported), tx, nil
	}
	if err != nil {
		switch base.KindOf(err) {
		case base.KindMalformed, base.KindInsufficientData:
			h.logf("malformed %v: %v", tag, err)
			h.settings.ResetBlockIndex()
			return h.malformedReply(tag).Array(), nil, nil
		}
		return nil, nil, err
	}
	return reply.Array(), tx, nil
}

// malformedReply answers a request whose structure could not be read with the command's
// own failure result, the association stays.
func (h *Handler) malformedReply(tag base.CosemTag) *buffer.ByteBuffer {
	result := byte(base.TagResultReadWriteDenied)
	switch tag {
	case base.TagGetRequest:
		reply := h.header(base.TagGetResponse, byte(TagGetResponseNormal))
		reply.SetUInt8(1) // data-access-result
		reply.SetUInt8(result)
		return reply
	case base.TagSetRequest:
		reply := h.header(base.TagSetResponse, byte(TagSetResponseNormal))
		reply.SetUInt8(result)
		return reply
	case base.TagActionRequest:
		reply := h.header(base.TagActionResponse, byte(TagActionResponseNormal))
		reply.SetUInt8(result)
		reply.SetUInt8(0) // no return parameters
		return reply
	case base.TagAccessRequest:
		reply := buffer.NewWithCapacity(12)
		reply.SetUInt8(byte(base.TagAccessResponse))
		reply.SetUInt32(h.settings.LongInvokeId)
		reply.SetUInt8(0) // date-time
		reply.SetUInt8(0) // no specification echo
		reply.SetUInt8(1)
		reply.SetUInt8(byte(TagNull))
		reply.SetUInt8(1)
		reply.SetUInt8(byte(TagAccessGet))
		reply.SetUInt8(result)
		return reply
	case base.TagReadRequest:
		return h.snError(base.TagReadResponse, base.TagResultReadWriteDenied)
	}
	return h.snError(base.TagWriteResponse, base.TagResultReadWriteDenied)
}

func (h *Handler) allowed(tag base.CosemTag) bool {
	c := h.settings.NegotiatedConformance
	switch tag {
	case base.TagGetRequest:
		return c&base.ConformanceBlockGet != 0
	case base.TagSetRequest:
		return c&base.ConformanceBlockSet != 0
	case base.TagActionRequest:
		return c&base.ConformanceBlockAction != 0
	case base.TagAccessRequest:
		return c&base.ConformanceBlockAccess != 0
	case base.TagReadRequest:
		return c&base.ConformanceBlockRead != 0
	case base.TagWriteRequest:
		return c&base.ConformanceBlockWrite != 0
	}
	return true
}

// pduRoom is the space one response APDU may use.
func (h *Handler) pduRoom() int {
	n := int(h.settings.MaxPduSize())
	if h.settings.Security != 0 {
		n -= cipherOverhead
	}
	return n
}

// blockRoom is the raw data space of one block response having the given header size.
func (h *Handler) blockRoom(header int) int {
	n := h.pduRoom() - header
	n -= codedlength(uint(n))
	if n < 1 {
		n = 1
	}
	return n
}

// read performs a Get of one target. With paging, a RowReader target only gets its row
// count set and read reports true, rows are produced while blocks are built.
func (h *Handler) read(e *ValueEventArgs, paging bool) (paged bool) {
	s := h.settings
	if e.Target == nil {
		e.Error = base.TagResultObjectUndefined
		return false
	}
	if e.Index == 0 {
		h.readAll(e)
		return false
	}
	if e.Index < 0 || e.Index > e.Target.AttributeCount() {
		e.Error = base.TagResultObjectUndefined
		return false
	}
	if !h.config.Policy.AttributeAccess(s, e.Target, e.Index).CanRead() {
		e.Error = base.TagResultReadWriteDenied
		return false
	}
	if rr, ok := e.Target.(RowReader); ok {
		n, err := rr.Rows(s, e)
		if err != nil {
			e.Error = resultOf(err)
			return false
		}
		if n >= 0 {
			e.RowBegin = 0
			e.RowCount = n
			if paging {
				return true
			}
			e.RowEnd = n
			rows, err := rr.AppendRows(s, e, make([]DlmsData, 0, n))
			e.RowCount = 0
			if err != nil {
				e.Error = resultOf(err)
				return false
			}
			e.Value = Array(rows)
			return false
		}
	}
	v, err := e.Target.GetValue(s, e)
	if err != nil {
		h.logf("get of %v attribute %d failed: %v", e.Target.LogicalName(), e.Index, err)
		e.Error = resultOf(err)
		return false
	}
	e.Value = v
	return false
}

// readAll serves attribute 0, a structure of every readable attribute.
func (h *Handler) readAll(e *ValueEventArgs) {
	if h.settings.NegotiatedConformance&base.ConformanceBlockAttribute0SupportedWithGet == 0 {
		e.Error = base.TagResultReadWriteDenied
		return
	}
	ret := make(Structure, e.Target.AttributeCount())
	for i := range ret {
		sub := &ValueEventArgs{Target: e.Target, Index: i + 1}
		h.read(sub, false)
		if sub.Error != base.TagResultSuccess {
			ret[i] = Null{}
			continue
		}
		ret[i] = sub.Value
	}
	e.Value = ret
}

// write performs a Set of one target holding the value in e.Value.
func (h *Handler) write(e *ValueEventArgs) {
	s := h.settings
	if e.Target == nil {
		e.Error = base.TagResultObjectUndefined
		return
	}
	if e.Index < 1 || e.Index > e.Target.AttributeCount() {
		e.Error = base.TagResultObjectUndefined
		return
	}
	if !h.config.Policy.AttributeAccess(s, e.Target, e.Index).CanWrite() {
		e.Error = base.TagResultReadWriteDenied
		return
	}
	v, err := CoerceTo(e.Value, e.Target.AttributeType(e.Index))
	if err != nil {
		e.Error = resultOf(err)
		return
	}
	e.Value = v
	if err := e.Target.SetValue(s, e); err != nil {
		h.logf("set of %v attribute %d failed: %v", e.Target.LogicalName(), e.Index, err)
		e.Error = resultOf(err)
	}
}

// invoke runs a method with parameters in e.Parameters, the result lands in e.Value.
func (h *Handler) invoke(e *ValueEventArgs) {
	s := h.settings
	e.IsAction = true
	if e.Target == nil {
		e.Error = base.TagResultObjectUndefined
		return
	}
	if e.Index < 1 || e.Index > e.Target.MethodCount() {
		e.Error = base.TagResultObjectUndefined
		return
	}
	if h.config.Policy.MethodAccess(s, e.Target, e.Index) == base.MethodAccessNone {
		e.Error = base.TagResultReadWriteDenied
		return
	}
	pending := s.HlsPending()
	v, err := e.Target.Invoke(s, e)
	if err != nil {
		h.logf("action %d of %v failed: %v", e.Index, e.Target.LogicalName(), err)
		e.Error = resultOf(err)
		if pending {
			h.config.Hook.InvalidConnection(s, err)
		}
		return
	}
	e.Value = v
	if pending && s.Authenticated {
		h.logf("high level authentication completed")
		h.config.Hook.Connected(s)
	}
}

// fillRows produces rows of paged targets until data holds at least limit bytes.
func (h *Handler) fillRows(tx *AwaitingBlock, limit int) error {
	for _, e := range tx.Targets {
		rr, ok := e.Target.(RowReader)
		if !ok {
			continue
		}
		for e.Paged() && tx.Data.Available() < limit {
			e.RowEnd = e.RowBegin + 1
			rows, err := rr.AppendRows(h.settings, e, nil)
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := EncodeData(tx.Data, r); err != nil {
					return err
				}
			}
			e.RowBegin = e.RowEnd
		}
	}
	return nil
}

// encodeTarget writes a read target into dst: rows are started as an array header only.
func encodeTarget(dst *buffer.ByteBuffer, e *ValueEventArgs, paged bool) error {
	if paged {
		dst.SetUInt8(byte(TagArray))
		encodelength(dst, uint(e.RowCount))
		return nil
	}
	return EncodeData(dst, e.Value)
}

func (h *Handler) readSelection(src *buffer.ByteBuffer, e *ValueEventArgs) error {
	has, err := src.GetUInt8()
	if err != nil {
		return err
	}
	if has == 0 {
		return nil
	}
	if h.settings.NegotiatedConformance&(base.ConformanceBlockSelectiveAccess|base.ConformanceBlockParametrizedAccess) == 0 {
		return base.NewError(base.KindAccessDenied, "selective access not negotiated")
	}
	if e.Selector, err = src.GetUInt8(); err != nil {
		return err
	}
	e.Parameters, err = DecodeData(src)
	return err
}

// readRaw reads the raw-data octet string of a data block.
func readRaw(src *buffer.ByteBuffer) ([]byte, error) {
	l, err := decodelength(src)
	if err != nil {
		return nil, err
	}
	return getbytes(src, l)
}

func putbool(dst *buffer.ByteBuffer, v bool) {
	if v {
		dst.SetUInt8(1)
	} else {
		dst.SetUInt8(0)
	}
}
