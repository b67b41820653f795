// Package transport binds the Chord node's UDP socket: the unreliable
// datagram substrate the wire codec and send-timer registry build
// reliability on top of. No per-message acknowledgement happens here;
// that is the send-timer registry's job for the few messages that need
// it (see package sendtimer).
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout is returned by Recv when no datagram arrived within the
// requested timeout.
var ErrTimeout = errors.New("transport: recv timeout")

// ErrClosed is returned by Recv and Send once the socket has been
// closed by Stop.
var ErrClosed = errors.New("transport: socket closed")

// Conn is a bound UDP socket used for both sending to peers and
// receiving the node's own inbound traffic.
type Conn struct {
	udp *net.UDPConn
}

// Listen binds a UDP socket on the given port across all local
// interfaces, per spec §4.3 ("Bind a UDP socket to chord_port on all
// interfaces of the local hostname").
func Listen(port int) (*Conn, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on port %d: %w", port, err)
	}
	return &Conn{udp: udp}, nil
}

// LocalPort returns the port the socket is bound to, useful when the
// caller requested an ephemeral port (0) at Listen time.
func (c *Conn) LocalPort() int {
	if addr, ok := c.udp.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Send delivers payload to (ip, port) via one sendto. UDP datagram
// sends are all-or-nothing in the Go runtime, so there is no short-write
// retry loop to speak of beyond surfacing the error.
func (c *Conn) Send(ip string, port int, payload []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return fmt.Errorf("transport: resolve %s:%d: %w", ip, port, err)
		}
		addr = resolved
	}
	n, err := c.udp.WriteToUDP(payload, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: send to %s:%d: %w", ip, port, err)
	}
	if n != len(payload) {
		return fmt.Errorf("transport: short write to %s:%d (%d of %d bytes)", ip, port, n, len(payload))
	}
	return nil
}

// maxDatagram is large enough for any message this wire format can
// produce (no fragmentation is ever needed, per spec non-goals).
const maxDatagram = 65507

// Recv waits up to timeout for one inbound datagram. It returns
// ErrTimeout if none arrives in time, ErrClosed if the socket has been
// closed concurrently (by Stop), or a wrapped net error for any other
// socket failure.
func (c *Conn) Recv(timeout time.Duration) (payload []byte, fromIP string, fromPort int, err error) {
	if err := c.udp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, "", 0, ErrClosed
		}
		return nil, "", 0, fmt.Errorf("transport: set read deadline: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, addr, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, "", 0, ErrClosed
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, "", 0, ErrTimeout
		}
		return nil, "", 0, fmt.Errorf("transport: recv: %w", err)
	}

	return buf[:n], addr.IP.String(), addr.Port, nil
}

// Stop closes the socket, unblocking any in-progress Recv with
// ErrClosed.
func (c *Conn) Stop() error {
	return c.udp.Close()
}
