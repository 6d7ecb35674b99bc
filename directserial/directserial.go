// Package directserial serves one DLMS session over a local serial port, typically an
// RS-485 bus or an optical probe running HDLC.
package directserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/capture"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port is the part of serial.Port the listener uses.
type Port interface {
	io.ReadWriter
	Close() error
}

// Listener serves the session of one serial port.
type Listener struct {
	settings    base.SerialStreamSettings
	idleTimeout time.Duration
	handler     base.RequestHandler
	flow        *capture.Flow

	totalincoming atomic.Int64
	totaloutgoing atomic.Int64

	logger *zap.SugaredLogger
}

func New(settings base.SerialStreamSettings, idleTimeout time.Duration, handler base.RequestHandler) *Listener {
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaultReadTimeout
	}
	return &Listener{settings: settings, idleTimeout: idleTimeout, handler: handler}
}

func (r *Listener) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *Listener) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
	r.handler.SetLogger(logger)
}

// SetCapture records the traffic of the port.
func (r *Listener) SetCapture(w *capture.Writer) {
	r.flow = w.Flow(nil, nil)
}

// GetRxTxBytes returns the bytes received and sent so far.
func (r *Listener) GetRxTxBytes() (int64, int64) {
	return r.totalincoming.Load(), r.totaloutgoing.Load()
}

func mode(s base.SerialStreamSettings) (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: s.BaudRate, DataBits: int(s.DataBits)}
	if m.BaudRate == 0 {
		m.BaudRate = 9600
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	switch s.Parity {
	case base.SerialNoParity, 0:
		m.Parity = serial.NoParity
	case base.SerialOddParity:
		m.Parity = serial.OddParity
	case base.SerialEvenParity:
		m.Parity = serial.EvenParity
	case base.SerialMarkParity:
		m.Parity = serial.MarkParity
	case base.SerialSpaceParity:
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity %v", s.Parity)
	}
	switch s.StopBits {
	case base.SerialOneStopBit, 0:
		m.StopBits = serial.OneStopBit
	case base.SerialOneAndHalfStopBits:
		m.StopBits = serial.OnePointFiveStopBits
	case base.SerialTwoStopBits:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %v", s.StopBits)
	}
	return m, nil
}

// Serve opens the port and runs the session until ctx is done.
func (r *Listener) Serve(ctx context.Context) error {
	m, err := mode(r.settings)
	if err != nil {
		return err
	}
	port, err := serial.Open(r.settings.Device, m)
	if err != nil {
		return fmt.Errorf("open of %s failed: %w", r.settings.Device, err)
	}
	if err := port.SetReadTimeout(r.settings.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("unable to set read timeout: %w", err)
	}
	r.logf("serving %s at %d baud", r.settings.Device, m.BaudRate)
	return r.ServePort(ctx, port)
}

// ServePort runs the session over an opened port and closes it when ctx is done. Reads
// are expected to return 0 bytes when the read timeout of the port expires.
func (r *Listener) ServePort(ctx context.Context, port Port) error {
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer stop()
	defer port.Close()

	buf := make([]byte, 512)
	last := time.Now()
	active := false
	for {
		n, err := port.Read(buf)
		if ctx.Err() != nil {
			r.handler.Reset()
			return nil
		}
		if n > 0 {
			last, active = time.Now(), true
			r.totalincoming.Add(int64(n))
			if r.flow != nil {
				_ = r.flow.Received(buf[:n])
			}
			reply, herr := r.handler.HandleRequest(buf[:n])
			if herr != nil {
				r.logf("session rejected: %v", herr)
			}
			if len(reply) > 0 {
				if werr := r.write(port, reply); werr != nil {
					r.handler.Reset()
					return werr
				}
			}
		} else if active && r.idleTimeout > 0 && time.Since(last) > r.idleTimeout {
			r.logf("inactivity timeout")
			r.handler.Reset()
			active = false
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.handler.Reset()
				return nil
			}
			r.handler.Reset()
			return fmt.Errorf("read failed: %w", err)
		}
	}
}

func (r *Listener) write(port Port, src []byte) error {
	if r.flow != nil {
		_ = r.flow.Sent(src)
	}
	for len(src) > 0 {
		n, err := port.Write(src)
		r.totaloutgoing.Add(int64(n))
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		src = src[n:]
	}
	return nil
}
