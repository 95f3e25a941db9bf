package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// ErrSOCKS4Rejected the proxy refused the CONNECT request
var ErrSOCKS4Rejected = errors.New("socks4 request rejected")

const (
	socks4Version = 0x04
	socks4Connect = 0x01
	socks4Granted = 0x5a
)

// socks4Dialer tunnels TCP connections through a SOCKS4 proxy.
// The destination host is resolved locally since plain SOCKS4 only carries IPv4.
type socks4Dialer struct {
	proxyAddr string
	dialer    *net.Dialer
	resolver  *net.Resolver
}

func newSOCKS4Dialer(proxyAddr string, timeout time.Duration) *socks4Dialer {
	return &socks4Dialer{
		proxyAddr: proxyAddr,
		dialer:    &net.Dialer{Timeout: timeout},
		resolver:  net.DefaultResolver,
	}
}

// DialContext implements the http.Transport DialContext hook.
func (d *socks4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}
	ip, err := d.resolveIPv4(ctx, host)
	if err != nil {
		return nil, err
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := make([]byte, 0, 9)
	req = append(req, socks4Version, socks4Connect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip...)
	req = append(req, 0x00) // empty user id

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 write: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 read: %w", err)
	}
	if resp[1] != socks4Granted {
		conn.Close()
		return nil, fmt.Errorf("%w: code 0x%02x", ErrSOCKS4Rejected, resp[1])
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *socks4Dialer) resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("socks4 cannot reach IPv6 address %s", host)
	}
	ips, err := d.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}
