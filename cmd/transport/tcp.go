package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

var (
	ErrSourceAddrInvalid = errors.New("source address must be an IP, IP:port, or interface name")
	ErrCAFileInvalid     = errors.New("CA file contains no usable certificates")
)

const (
	DefaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// TLSConfig holds the options of the encrypted transport.
type TLSConfig struct {
	CAFile     string
	ServerName string
	SkipVerify bool
}

// TCPConfig describes a collector reachable over TCP.
type TCPConfig struct {
	Host string
	Port int
	// SourceAddr binds outgoing connections: an IP, IP:port, or interface name.
	SourceAddr   string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// TLS enables encryption when non-nil.
	TLS *TLSConfig
}

// TCPTransport opens one TCP (or TLS) connection per bucket.
type TCPTransport struct {
	address      string
	mode         Mode
	dialer       *net.Dialer
	tlsConfig    *tls.Config
	writeTimeout time.Duration
}

// NewTCP builds a TCP or TLS transport.
func NewTCP(config TCPConfig) (*TCPTransport, error) {
	local, err := ResolveSourceAddr(config.SourceAddr)
	if err != nil {
		return nil, err
	}

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	t := &TCPTransport{
		address: net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		mode:    ModeTCP,
		dialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: defaultKeepAlive,
		},
		writeTimeout: config.WriteTimeout,
	}
	if local != nil {
		t.dialer.LocalAddr = local
	}

	if config.TLS != nil {
		t.mode = ModeTLS
		t.tlsConfig, err = buildTLSConfig(config.Host, config.TLS)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

func buildTLSConfig(host string, config *TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.SkipVerify, //nolint:gosec // operator opt-in
		MinVersion:         tls.VersionTLS12,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}

	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: %s", ErrCAFileInvalid, config.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// ResolveSourceAddr turns the source option into a local TCP address.
func ResolveSourceAddr(source string) (*net.TCPAddr, error) {
	if source == "" {
		return nil, nil
	}

	if ip := net.ParseIP(source); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}

	if host, _, err := net.SplitHostPort(source); err == nil && net.ParseIP(host) != nil {
		addr, err := net.ResolveTCPAddr("tcp", source)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceAddrInvalid, source, err)
		}
		return addr, nil
	}

	iface, err := net.InterfaceByName(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceAddrInvalid, source, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceAddrInvalid, source, err)
	}

	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() != nil {
			return &net.TCPAddr{IP: ipNet.IP}, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback != nil {
		return &net.TCPAddr{IP: fallback}, nil
	}
	return nil, fmt.Errorf("%w: interface %s has no addresses", ErrSourceAddrInvalid, source)
}

// Open dials the collector. A TLS handshake failure is a connect error.
func (t *TCPTransport) Open(ctx context.Context, _ buckets.Bucket) (io.WriteCloser, error) {
	var (
		conn net.Conn
		err  error
	)
	if t.tlsConfig != nil {
		dialer := &tls.Dialer{NetDialer: t.dialer, Config: t.tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", t.address)
	} else {
		conn, err = t.dialer.DialContext(ctx, "tcp", t.address)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s://%s: %w", ErrConnect, t.mode, t.address, err)
	}

	if t.writeTimeout > 0 {
		return &deadlineConn{Conn: conn, timeout: t.writeTimeout}, nil
	}
	return conn, nil
}

func (t *TCPTransport) Describe(_ buckets.Bucket) string {
	return fmt.Sprintf("%s://%s", t.mode, t.address)
}

// deadlineConn refreshes the write deadline before every write so a stalled
// collector fails the bucket instead of hanging it.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
