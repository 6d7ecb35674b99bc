package base

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RequestHandler is one server session as seen by a listener. HandleRequest is fed raw
// bytes in arrival order and returns the bytes to send back, nil while a frame is still
// incomplete. A non-nil error means the session state was torn down; reply may still
// carry a reject frame that has to be sent.
type RequestHandler interface {
	HandleRequest(data []byte) (reply []byte, err error)
	Reset()
	SetLogger(logger *zap.SugaredLogger)
}

// HandlerFactory creates a fresh session for every accepted connection.
type HandlerFactory func(remote string) (RequestHandler, error)

func LogHex(name string, data []byte) string {
	return fmt.Sprintf("%s (%d): %s", name, len(data), strings.ToUpper(hex.EncodeToString(data)))
}
