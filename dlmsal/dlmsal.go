// Package dlmsal implements the server side of the DLMS/COSEM application layer.
//
// A Handler decodes one plain APDU at a time and builds the response for the session it
// is bound to. It covers:
//   - association establishment and release (AARQ/AARE, RLRQ/RLRE)
//   - Logical Name services: Get, Set, Action and Access
//   - Short Name services: Read and Write
//   - block transfer in both directions, paged reading of large profile buffers
//   - low and high level authentication, glo ciphering of requests and responses
//   - Data-Notification and Information-Report for unsolicited pushes
//
// Objects are served through the Object interface and found by an ObjectResolver. The
// transport framing (HDLC or WRAPPER) is handled by the caller.
//
// Basic usage:
//
//	settings := dlmsal.NewSettings(true, base.InterfaceWrapper)
//	h, _ := dlmsal.NewHandler(settings, dlmsal.HandlerConfig{Resolver: objects})
//
//	var tx *dlmsal.AwaitingBlock
//	for apdu := range requests {
//		reply, next, err := h.Handle(buffer.NewFrom(apdu), tx)
//		if err != nil {
//			break
//		}
//		tx = next
//		send(reply)
//	}
package dlmsal
