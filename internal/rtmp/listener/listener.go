// Package listener runs the plain TCP and TLS accept loops: gate each raw
// connection through the Admission Controller before the RTMP handshake
// even starts, then hand the handshaken connection to a fresh session.Session.
package listener

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"

	"github.com/alxayo/go-rtmp/internal/rtmp/admission"
	"github.com/alxayo/go-rtmp/internal/rtmp/auth"
	"github.com/alxayo/go-rtmp/internal/rtmp/channel"
	"github.com/alxayo/go-rtmp/internal/rtmp/conn"
	"github.com/alxayo/go-rtmp/internal/rtmp/session"
)

// Config bundles the per-listener knobs that come straight from
// internal/config.Config.
type Config struct {
	BindAddress string
	RTMPPort    int
	SSLPort     int

	SSLCert               string
	SSLKey                string
	SSLCheckReloadSeconds int

	ChunkSize   uint32
	BufferSize  int
	IDMaxLength int
}

// Listener owns the plain and (optional) TLS accept loops sharing one Hub,
// one Admission Controller and one Authorizer across every accepted Session.
type Listener struct {
	cfg  Config
	deps session.Deps
	log  *slog.Logger

	plain net.Listener
	tlsLn net.Listener

	wg sync.WaitGroup
}

// New builds a Listener. hub/admission/authorizer are shared collaborators
// constructed once by the caller (cmd/rtmp-server).
func New(cfg Config, hub *channel.Hub, adm *admission.Controller, authorizer auth.Authorizer, log *slog.Logger) *Listener {
	return &Listener{
		cfg: cfg,
		deps: session.Deps{
			Hub:         hub,
			Admission:   adm,
			Authorizer:  authorizer,
			IDMaxLength: cfg.IDMaxLength,
			Log:         log,
		},
		log: log,
	}
}

// Start binds the plain TCP listener, and the TLS listener if SSL_CERT/
// SSL_KEY are configured, then launches their accept loops.
func (l *Listener) Start() error {
	plainAddr := fmt.Sprintf("%s:%d", l.cfg.BindAddress, l.cfg.RTMPPort)
	ln, err := net.Listen("tcp", plainAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", plainAddr, err)
	}
	l.plain = ln
	l.log.Info("RTMP listener started", "addr", ln.Addr().String())
	l.wg.Add(1)
	go l.acceptLoop(ln)

	if l.cfg.SSLCert == "" || l.cfg.SSLKey == "" {
		return nil
	}

	loader, err := certloader.NewCertificateLoader(l.cfg.SSLCert, l.cfg.SSLKey, l.cfg.SSLCheckReloadSeconds)
	if err != nil {
		return fmt.Errorf("tls certificate loader: %w", err)
	}
	tlsCfg := &tls.Config{GetCertificate: loader.GetCertificateFunc()}

	sslAddr := fmt.Sprintf("%s:%d", l.cfg.BindAddress, l.cfg.SSLPort)
	tlsLn, err := tls.Listen("tcp", sslAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen tls %s: %w", sslAddr, err)
	}
	l.tlsLn = tlsLn
	l.log.Info("RTMPS listener started", "addr", tlsLn.Addr().String())
	l.wg.Add(1)
	go l.acceptLoop(tlsLn)
	return nil
}

// Addr returns the plain TCP listener's bound address, useful when
// RTMPPort is 0 and the OS picked an ephemeral port (tests, local dev).
func (l *Listener) Addr() net.Addr {
	if l.plain == nil {
		return nil
	}
	return l.plain.Addr()
}

// Stop closes both listeners and waits for their accept loops to exit.
func (l *Listener) Stop() error {
	if l.plain != nil {
		_ = l.plain.Close()
	}
	if l.tlsLn != nil {
		_ = l.tlsLn.Close()
	}
	l.wg.Wait()
	return nil
}

// acceptLoop admits each raw connection by IP before the RTMP handshake
// begins, since admission is a pre-handshake gate, not a session-state
// concern. A rejected connection is closed immediately with no handshake.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("accept error", "error", err)
			return
		}

		ip := remoteIP(raw)
		if l.deps.Admission != nil {
			if err := l.deps.Admission.Admit(ip); err != nil {
				l.log.Info("connection refused by admission controller", "ip", ip, "error", err)
				_ = raw.Close()
				continue
			}
		}

		go l.handle(raw, ip)
	}
}

func (l *Listener) handle(raw net.Conn, ip string) {
	release := func() {
		if l.deps.Admission != nil {
			l.deps.Admission.Release(ip)
		}
	}

	single := &singleConnListener{conn: raw}
	c, err := conn.AcceptWithOptions(single, conn.AcceptOptions{ChunkSize: l.cfg.ChunkSize, BufferSize: l.cfg.BufferSize})
	if err != nil {
		release()
		return
	}

	s := session.New(c, l.deps)
	s.SetTeardownHook(release)
	s.Start()
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

// singleConnListener adapts one already-accepted net.Conn to net.Listener so
// conn.AcceptWithOptions (which expects to call Accept itself) can run the
// handshake + control burst on a connection this package already owns.
type singleConnListener struct{ conn net.Conn }

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.conn == nil {
		return nil, errors.New("no conn")
	}
	c := s.conn
	s.conn = nil
	return c, nil
}
func (s *singleConnListener) Close() error {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return nil
}
func (s *singleConnListener) Addr() net.Addr {
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return &net.TCPAddr{}
}
