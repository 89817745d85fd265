package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/ipfs/go-log/v2"
	quic "github.com/quic-go/quic-go"
)

var logger = log.Logger("transport")

const alpn = "spns-hivemind/1"

// zeroReader produces a deterministic stream of zero bytes, used only to
// make self-signed certificate generation reproducible across restarts.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devCertificate(seedLabel string) (tls.Certificate, *x509.Certificate, error) {
	seed := sha256.Sum256([]byte(seedLabel))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, cert, nil
}

// QUICDialer dials SN, block-node, and notifier peers over QUIC.
type QUICDialer struct {
	TLSConfig *tls.Config
}

// NewQUICDialer builds a dialer trusting the given peer certificate pool,
// or skipping verification entirely when insecureSkipVerify is set (only
// appropriate for local/dev notifier processes).
func NewQUICDialer(trustedPool *x509.CertPool, insecureSkipVerify bool) *QUICDialer {
	return &QUICDialer{TLSConfig: &tls.Config{
		RootCAs:            trustedPool,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{alpn},
	}}
}

// Dial opens a QUIC connection to addr.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, d.TLSConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &quicConnection{conn: conn, addr: addr, done: make(chan struct{})}, nil
}

// QUICListener accepts inbound QUIC connections for the HiveMind server
// side (notifier registrations, and any SN/block-node callback streams).
type QUICListener struct {
	addr     string
	tlsConf  *tls.Config
	listener *quic.Listener
}

// NewQUICListener constructs a listener bound to addr using a self-signed
// development certificate derived deterministically from identityLabel.
// The listener has no option for supplying a different certificate.
func NewQUICListener(addr string, identityLabel string) (*QUICListener, error) {
	cert, _, err := devCertificate(identityLabel)
	if err != nil {
		return nil, err
	}
	return &QUICListener{
		addr: addr,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
		},
	}, nil
}

// Serve accepts connections until ctx is cancelled, dispatching every
// stream's call through dispatcher.
func (l *QUICListener) Serve(ctx context.Context, dispatcher *Dispatcher) error {
	ln, err := quic.ListenAddr(l.addr, l.tlsConf, nil)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", l.addr, err)
	}
	l.listener = ln

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go serveConnection(ctx, conn, dispatcher)
	}
}

// Close stops accepting new connections.
func (l *QUICListener) Close() error {
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func serveConnection(ctx context.Context, conn *quic.Conn, dispatcher *Dispatcher) {
	peer := &quicConnection{conn: conn, addr: conn.RemoteAddr().String(), done: make(chan struct{})}
	ctx = ContextWithConnection(ctx, peer)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go serveStream(ctx, stream, dispatcher)
	}
}

func serveStream(ctx context.Context, stream *quic.Stream, dispatcher *Dispatcher) {
	defer stream.Close()

	f, err := readFrame(stream)
	if err != nil {
		if err != io.EOF {
			logger.Warnw("failed to read inbound frame", "error", err)
		}
		return
	}

	reply, err := dispatcher.Dispatch(ctx, f.method, f.parts)
	if f.kind != kindRequest {
		if err != nil {
			logger.Warnw("command handler failed", "method", f.method, "error", err)
		}
		return
	}

	if err != nil {
		logger.Warnw("request handler failed", "method", f.method, "error", err)
		reply = nil
	}
	if werr := writeFrame(stream, kindReply, f.method, reply); werr != nil {
		logger.Warnw("failed to write reply frame", "method", f.method, "error", werr)
	}
}

type quicConnection struct {
	conn *quic.Conn
	addr string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *quicConnection) RemoteAddr() string { return c.addr }

func (c *quicConnection) Done() <-chan struct{} { return c.done }

func (c *quicConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.CloseWithError(0, "")
}

func (c *quicConnection) openStream(ctx context.Context) (*quic.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()
	return c.conn.OpenStreamSync(ctx)
}

func (c *quicConnection) Command(ctx context.Context, method string, parts ...[]byte) error {
	stream, err := c.openStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	return writeFrame(stream, kindCommand, method, parts)
}

func (c *quicConnection) Request(ctx context.Context, method string, parts ...[]byte) ([][]byte, error) {
	stream, err := c.openStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := writeFrame(stream, kindRequest, method, parts); err != nil {
		return nil, fmt.Errorf("transport: write request %s: %w", method, err)
	}

	reply, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read reply to %s: %w", method, err)
	}
	return reply.parts, nil
}

// LocalAddr reports the address a listener bound to, once Serve has
// started; useful for tests that bind to an ephemeral port.
func (l *QUICListener) LocalAddr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}
