package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Push connects to a push destination, writes the framed notification and disconnects.
// Nothing is read back, Data-Notification is unconfirmed.
func Push(ctx context.Context, address string, frames [][]byte, timeout time.Duration, logger *zap.SugaredLogger) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	total := 0
	for _, f := range frames {
		for len(f) > 0 {
			n, err := conn.Write(f)
			if err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
			total += n
			f = f[n:]
		}
	}
	if logger != nil {
		logger.Infof("pushed %d bytes to %s", total, address)
	}
	return nil
}
