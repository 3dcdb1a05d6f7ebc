package control

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/telemetry"
)

// Dispatcher reacts to parsed, authenticated control messages. The
// coordinator implements this; it is the only place that needs to
// reach into the peer table or issue an HTTP probe.
type Dispatcher interface {
	HandlePresent(url string)
	HandleAbsent(url string)
	HandleDiscourage(url string)
}

// Listener runs a single-goroutine receive loop: it polls the UDP
// socket at ≤100ms cadence so that shutdown (a single atomic done
// flag) is observed promptly without ever interrupting a syscall
// mid-flight.
type Listener struct {
	framer *Framer
	conn   net.PacketConn
	disp   Dispatcher
	stats  *telemetry.Stats

	done   atomic.Bool
	exited chan struct{}
}

// NewListener constructs a Listener bound to conn. Any net.PacketConn
// works, including a *net.UDPConn joined to a multicast group or an
// in-process net.Pipe-style conn in tests.
func NewListener(framer *Framer, conn net.PacketConn, disp Dispatcher, stats *telemetry.Stats) *Listener {
	return &Listener{
		framer: framer,
		conn:   conn,
		disp:   disp,
		stats:  stats,
		exited: make(chan struct{}),
	}
}

const pollInterval = 100 * time.Millisecond

// Run loops until Stop is called or the connection is closed. It is
// meant to be run in its own goroutine.
func (l *Listener) Run() {
	defer close(l.exited)
	buf := make([]byte, MaxMessageSize+1) // +1 lets us notice oversized/truncated reads

	for !l.done.Load() {
		_ = l.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue // re-check done
			}
			if l.done.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			obs.L().Warnw("control: read error", "err", err)
			continue
		}
		if n > MaxMessageSize {
			l.recordRejection(ErrMalformed{Reason: "oversized"})
			continue
		}

		words, err := l.framer.Decode(buf[:n])
		if err != nil {
			l.recordRejection(err)
			continue
		}
		if len(words) < 2 {
			l.stats.RecordRejected("version")
			continue
		}
		cmd, url := words[0][0], words[1]
		l.dispatch(cmd, url)
	}
}

func (l *Listener) recordRejection(err error) {
	switch err.(type) {
	case ErrMalformed:
		m := err.(ErrMalformed)
		switch m.Reason {
		case "version":
			l.stats.RecordRejected("version")
			obs.L().Debugw("control: version mismatch")
		case "scope":
			l.stats.RecordRejected("scope")
			obs.L().Debugw("control: scope mismatch")
		default:
			l.stats.RecordRejected("version")
			obs.L().Debugw("control: malformed", "reason", m.Reason)
		}
		return
	}
	switch err {
	case ErrStaleMessage:
		l.stats.RecordRejected("delayed")
		obs.L().Warnw("control: stale/replayed message")
	case ErrAuthFailed:
		l.stats.RecordRejected("auth")
		obs.L().Warnw("control: auth failure")
	default:
		obs.L().Warnw("control: decode error", "err", err)
	}
}

func (l *Listener) dispatch(cmd byte, url string) {
	switch cmd {
	case CmdPresent:
		l.stats.RecordControlRx(cmd, "ok")
		l.disp.HandlePresent(url)
	case CmdAbsent:
		l.stats.RecordControlRx(cmd, "ok")
		l.disp.HandleAbsent(url)
	case CmdDiscourage:
		l.stats.RecordControlRx(cmd, "ok")
		l.disp.HandleDiscourage(url)
	default:
		l.stats.RecordControlRx(cmd, "unknown")
		obs.L().Infow("control: unknown command", "cmd", cmd)
	}
}

// Stop requests the listener to exit at the next poll boundary and
// blocks until it does, or the timeout elapses. It returns false if
// the listener did not exit in time — the caller must then log at
// CRITICAL and accept that forced process termination is required.
func (l *Listener) Stop(timeout time.Duration) bool {
	l.done.Store(true)
	select {
	case <-l.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
