package udp

import (
	"fmt"
	"net"
)

// Socket is the mediator the session supplies for raw UDP I/O (spec §6
// "the UDP socket itself (a mediator sends/receives datagrams)"). A single
// Socket is shared by every UdpTracker so inbound datagrams can be
// demultiplexed by transaction id regardless of which tracker sent the
// matching request.
type Socket interface {
	SendTo(addr *net.UDPAddr, b []byte) error
}

// DefaultSocket wraps one shared *net.UDPConn, unlike the teacher's
// net.DialUDP-per-tracker shortcut (one connected socket per remote host):
// a single unconnected socket lets one read loop demultiplex every tracker's
// inbound datagrams instead of running a goroutine per tracker.
type DefaultSocket struct {
	conn *net.UDPConn
}

// NewDefaultSocket binds an unconnected UDP socket on the given local
// address ("" / ":0" for an ephemeral port).
func NewDefaultSocket(laddr string) (*DefaultSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport/udp: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport/udp: listen: %w", err)
	}
	return &DefaultSocket{conn: conn}, nil
}

func (s *DefaultSocket) SendTo(addr *net.UDPAddr, b []byte) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

// ReadLoop blocks reading datagrams and invoking handle for each one until
// the socket is closed or stop is closed. Intended to run in its own
// goroutine, supervised by an errgroup alongside the upkeep loop (spec §5).
func (s *DefaultSocket) ReadLoop(stop <-chan struct{}, handle func(from *net.UDPAddr, b []byte)) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return fmt.Errorf("transport/udp: read: %w", err)
			}
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		handle(from, cp)
	}
}

func (s *DefaultSocket) Close() error { return s.conn.Close() }
