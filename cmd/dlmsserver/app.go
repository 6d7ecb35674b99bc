package main

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/capture"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
	"github.com/cybroslabs/libdlms-server-go/config"
	"github.com/cybroslabs/libdlms-server-go/cosem"
	"github.com/cybroslabs/libdlms-server-go/directserial"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/hdlc"
	"github.com/cybroslabs/libdlms-server-go/server"
	"github.com/cybroslabs/libdlms-server-go/store"
	"github.com/cybroslabs/libdlms-server-go/tcp"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

//go:embed default_objects.yaml
var defaultObjects []byte

// used when no system title is configured
var defaultSystemTitle = []byte{'D', 'L', 'S', 0x00, 0x00, 0x00, 0x00, 0x01}

// app holds what every session of the daemon shares.
type app struct {
	config  *config.Config
	logger  *zap.SugaredLogger
	store   store.Store
	table   *cosem.Table
	session server.Config
	capture *capture.Writer

	// pusher frames notifications of push setup objects, it is not bound to a connection
	pushMu sync.Mutex
	pusher *server.Server
	ctx    context.Context
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func openStore(c config.PersistenceConfig) (store.Store, error) {
	if c.Type == "mmap" {
		return store.OpenMmap(c.Path, ptr.Deref(c.Slots, store.DefaultSlots), ptr.Deref(c.SlotSize, store.DefaultSlotSz))
	}
	return store.NewMemory(), nil
}

func loadTable(c *config.Config, st store.Store) (*cosem.Table, error) {
	opts := cosem.TableOptions{Store: st}
	if c.Objects == "" {
		return cosem.Load(bytes.NewReader(defaultObjects), opts)
	}
	return cosem.LoadFile(c.Objects, opts)
}

// newApp opens the store and loads the object table. close has to be called even when
// the app never runs.
func newApp(c *config.Config, logger *zap.SugaredLogger) (*app, error) {
	st, err := openStore(c.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{config: c, logger: logger, store: st, ctx: context.Background()}
	if a.table, err = loadTable(c, st); err != nil {
		_ = a.close()
		return nil, err
	}
	a.table.SetLogger(logger)
	if err := a.table.Restore(); err != nil {
		_ = a.close()
		return nil, err
	}
	a.table.Bind(dlmsal.DefaultAccessPolicy{})

	if a.session, err = a.sessionConfig(); err != nil {
		_ = a.close()
		return nil, err
	}
	if a.session.Handler.NewCipher != nil {
		// fail at startup on bad keys rather than on the first association
		if _, err := a.session.Handler.NewCipher(); err != nil {
			_ = a.close()
			return nil, fmt.Errorf("invalid security settings: %w", err)
		}
	}
	if a.pusher, err = server.New(a.session); err != nil {
		_ = a.close()
		return nil, err
	}
	a.pusher.SetLogger(logger.Named("push"))
	for _, o := range a.table.Objects() {
		if p, ok := o.(*cosem.PushSetup); ok {
			p.OnPush(a.push)
		}
	}

	if c.Capture != "" {
		if a.capture, err = capture.Create(c.Capture); err != nil {
			_ = a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.capture != nil {
		errs = append(errs, a.capture.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func (a *app) sessionConfig() (server.Config, error) {
	c := a.config
	auth, err := c.Authentication()
	if err != nil {
		return server.Config{}, err
	}
	sc := server.Config{
		Interface:              base.InterfaceWrapper,
		LogicalNameReferencing: c.Referencing == "ln",
		Address:                hdlc.Address{Logical: c.Address.Logical, Physical: c.Address.Physical},
		Limits: hdlc.Limits{
			MaxInfoTX: c.HDLC.MaxInfoTX,
			MaxInfoRX: c.HDLC.MaxInfoRX,
			WindowTX:  c.HDLC.WindowTX,
			WindowRX:  c.HDLC.WindowRX,
		},
		MaxServerPduSize: c.MaxPduSize,
		Handler: dlmsal.HandlerConfig{
			Resolver:       a.table,
			Policy:         dlmsal.DefaultAccessPolicy{},
			Hook:           &sessionHook{logger: a.logger},
			Authentication: auth,
		},
	}
	if c.Interface == "hdlc" {
		sc.Interface = base.InterfaceHDLC
	}
	if auth != base.AuthenticationNone || c.Security.EncryptionKey != "" {
		sc.Handler.NewCipher = a.newCipher
	}
	return sc, nil
}

// newCipher creates the security collaborator of one association. The low level password
// is the secret of the association object, read at every association so a changed
// secret applies to the next one.
func (a *app) newCipher() (ciphering.Ciphering, error) {
	sec := a.config.Security
	auth, err := a.config.Authentication()
	if err != nil {
		return nil, err
	}
	title := config.Key(sec.SystemTitle)
	if title == nil {
		title = defaultSystemTitle
	}
	return ciphering.NewCipheringNist(&ciphering.CipheringSettings{
		EncryptionKey:             config.Key(sec.EncryptionKey),
		AuthenticationKey:         config.Key(sec.AuthenticationKey),
		ServerTitle:               title,
		Password:                  a.secret(),
		AuthenticationMechanismId: auth,
	})
}

type secretHolder interface {
	Secret() []byte
}

func (a *app) secret() []byte {
	for _, o := range a.table.Associations() {
		if h, ok := o.(secretHolder); ok {
			if s := h.Secret(); len(s) != 0 {
				return s
			}
		}
	}
	return nil
}

// factory creates the session of one connection.
func (a *app) factory(remote string) (base.RequestHandler, error) {
	s, err := server.New(a.session)
	if err != nil {
		return nil, err
	}
	s.SetLogger(a.logger.With("remote", remote))
	return s, nil
}

// push sends the Data-Notification of p to its destination.
func (a *app) push(p *cosem.PushSetup) error {
	now := time.Now()
	a.pushMu.Lock()
	frames, err := a.pusher.GeneratePushSetupMessages(&now, p)
	a.pushMu.Unlock()
	if err != nil {
		return err
	}
	return tcp.Push(a.ctx, p.Destination(), frames, a.config.Push.Timeout, a.logger)
}

func (a *app) serialSettings() base.SerialStreamSettings {
	c := a.config.Serial
	parity, _ := base.ParseSerialParity(c.Parity)
	stop := base.SerialOneStopBit
	switch c.StopBits {
	case 2:
		stop = base.SerialTwoStopBits
	case 3:
		stop = base.SerialOneAndHalfStopBits
	}
	return base.SerialStreamSettings{
		Device:      c.Device,
		BaudRate:    c.BaudRate,
		DataBits:    base.SerialDataBits(c.DataBits),
		Parity:      parity,
		StopBits:    stop,
		ReadTimeout: c.ReadTimeout,
	}
}

// run serves until ctx is done.
func (a *app) run(ctx context.Context) error {
	a.ctx = ctx
	var wg sync.WaitGroup
	a.table.Run(ctx, &wg)

	var listener *tcp.Listener
	if a.config.TCP.Address != "" {
		listener = tcp.New(tcp.Config{
			Address:        a.config.TCP.Address,
			IdleTimeout:    a.config.TCP.IdleTimeout,
			MaxConnections: ptr.Deref(a.config.TCP.MaxConnections, 0),
		}, a.factory)
		listener.SetLogger(a.logger.Named("tcp"))
		if a.capture != nil {
			listener.SetCapture(a.capture)
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
		a.logger.Infof("listening on %v, %v framing", listener.Addr(), a.session.Interface)
	}

	if a.config.Serial.Device != "" {
		h, err := a.factory("serial:" + a.config.Serial.Device)
		if err != nil {
			return err
		}
		sl := directserial.New(a.serialSettings(), a.config.Serial.IdleTimeout, h)
		sl.SetLogger(a.logger.Named("serial"))
		if a.capture != nil {
			sl.SetCapture(a.capture)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sl.Serve(ctx); err != nil && ctx.Err() == nil {
				a.logger.Errorf("serial listener failed: %v", err)
			}
		}()
	}

	<-ctx.Done()
	a.logger.Infof("shutting down")
	if listener != nil {
		listener.Stop()
	}
	wg.Wait()
	return nil
}

// sessionHook logs association life cycle events.
type sessionHook struct {
	logger *zap.SugaredLogger
}

func (h *sessionHook) Connected(s *dlmsal.Settings) {
	h.logger.Infow("client associated", "client", s.ClientAddress, "authentication", s.Authentication)
}

func (h *sessionHook) Disconnected(s *dlmsal.Settings) {
	h.logger.Infow("client released", "client", s.ClientAddress)
}

func (h *sessionHook) InvalidConnection(s *dlmsal.Settings, err error) {
	h.logger.Warnw("association refused", "client", s.ClientAddress, "error", err)
}
