// Package probe issues liveness probes against remote addresses and
// runs the background worker that round-robins over the probe
// worklist.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Probe failure kinds. Matching is by errors.Is; engine
// implementations wrap these with address context.
var (
	ErrTimeout        = errors.New("probe timed out")
	ErrUnreachable    = errors.New("host unreachable")
	ErrSend           = errors.New("probe send failed")
	ErrWrongResponder = errors.New("reply from unexpected address")
)

// Outcome is one successful round trip.
type Outcome struct {
	RTT time.Duration
}

// Engine performs a single probe round trip. Sequence numbers are
// caller-supplied and need not be globally unique.
type Engine interface {
	Probe(ctx context.Context, addr netip.Addr, seq uint16, timeout time.Duration) (Outcome, error)
}

const icmpEchoID = 42

var echoPayload = []byte("server-region-blocker liveness probe")

// ICMPEngine probes with ICMP echo requests over a raw socket. It
// requires CAP_NET_RAW or root. Not safe for concurrent use; the
// probe worker is its only caller.
type ICMPEngine struct {
	conn *icmp.PacketConn
}

// NewICMPEngine opens the shared ICMP socket.
func NewICMPEngine() (*ICMPEngine, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open icmp socket: %w", err)
	}
	return &ICMPEngine{conn: conn}, nil
}

func (e *ICMPEngine) Close() error { return e.conn.Close() }

func (e *ICMPEngine) Probe(ctx context.Context, addr netip.Addr, seq uint16, timeout time.Duration) (Outcome, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   icmpEchoID,
			Seq:  int(seq),
			Data: echoPayload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSend, err)
	}

	dst := &net.IPAddr{IP: addr.AsSlice()}
	start := time.Now()
	if _, err := e.conn.WriteTo(wire, dst); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %v", ErrSend, addr, err)
	}

	deadline := start.Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSend, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := e.conn.ReadFrom(buf)
		if err != nil {
			if os.IsTimeout(err) {
				return Outcome{}, fmt.Errorf("%w: %s", ErrTimeout, addr)
			}
			return Outcome{}, fmt.Errorf("read reply for %s: %w", addr, err)
		}

		peerAddr, ok := netip.AddrFromSlice(net.ParseIP(peer.String()).To4())
		if !ok || peerAddr != addr {
			return Outcome{}, fmt.Errorf("%w: got %s, want %s", ErrWrongResponder, peer, addr)
		}

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			return Outcome{}, fmt.Errorf("parse reply from %s: %w", addr, err)
		}
		switch body := reply.Body.(type) {
		case *icmp.Echo:
			if reply.Type != ipv4.ICMPTypeEchoReply {
				return Outcome{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
			}
			// a stale reply for an earlier sequence is not ours
			if body.ID != icmpEchoID || body.Seq != int(seq) {
				continue
			}
			return Outcome{RTT: time.Since(start)}, nil
		default:
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
		}
	}
}
