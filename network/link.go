package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout means the peer stayed silent after a keep-alive ping.
var ErrPongTimeout = errors.New("network: keep-alive timed out")

// Link is an established connection to one peer.
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	remote Hello
	opts   Options

	writeMu sync.Mutex
	inbound chan []byte

	// heard holds the wall clock, in ns, of the last inbound frame.
	heard atomic.Int64

	once sync.Once
	done chan struct{}
	err  error
}

func newLink(conn net.Conn, remote Hello, opts Options) *Link {
	l := &Link{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		remote:  remote,
		opts:    opts,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	l.heard.Store(time.Now().UnixNano())
	go l.readLoop()
	go l.keepAlive()
	return l
}

// Remote returns the hello the peer presented.
func (l *Link) Remote() Hello {
	return l.remote
}

// RemoteAddr returns the peer's socket address.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed once the link is down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Closed reports whether the link is down.
func (l *Link) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Err returns why the link went down, or nil while it is up and after a
// clean close.
func (l *Link) Err() error {
	if !l.Closed() {
		return nil
	}
	return l.err
}

// Send writes payload as one data frame.
func (l *Link) Send(payload []byte) error {
	return l.write(FrameData, payload)
}

// Receive returns the next data frame. Frames that arrived before the link
// went down are still delivered; after them Receive returns Err, or io.EOF
// for a clean close.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case p := <-l.inbound:
			return p, nil
		default:
		}

		select {
		case p := <-l.inbound:
			return p, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			if len(l.inbound) > 0 {
				continue
			}
			return nil, l.downErr()
		}
	}
}

// Disconnect tells the peer the link is closing, then closes it.
func (l *Link) Disconnect() error {
	_ = l.write(FrameDisconnect, nil)
	return l.Close()
}

// Close drops the link without notifying the peer.
func (l *Link) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *Link) write(kind FrameKind, payload []byte) error {
	if l.Closed() {
		return l.downErr()
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.ConnectTimeout))
	if err := WriteFrame(l.conn, kind, payload); err != nil {
		l.shutdown(err)
		return err
	}
	return nil
}

func (l *Link) readLoop() {
	for {
		kind, payload, err := ReadFrame(l.reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			l.shutdown(err)
			return
		}
		l.heard.Store(time.Now().UnixNano())

		switch kind {
		case FrameData:
			select {
			case l.inbound <- payload:
			case <-l.done:
				return
			}
		case FramePing:
			if !l.opts.SilentPings {
				_ = l.write(FramePong, nil)
			}
		case FramePong:
		case FrameDisconnect:
			l.shutdown(nil)
			return
		default:
			l.shutdown(fmt.Errorf("%w: unexpected %s frame", ErrInvalidFrame, kind))
			return
		}
	}
}

// keepAlive pings the peer after KeepAliveInterval of silence and fails the
// link when nothing arrives within KeepAliveTimeout of the ping.
func (l *Link) keepAlive() {
	tick := time.NewTicker(max(l.opts.KeepAliveInterval/4, time.Millisecond))
	defer tick.Stop()

	var pinged time.Time
	for {
		select {
		case <-l.done:
			return
		case <-tick.C:
		}

		now := time.Now()
		heard := time.Unix(0, l.heard.Load())
		if !pinged.IsZero() {
			if heard.After(pinged) {
				pinged = time.Time{}
			} else if now.Sub(pinged) > l.opts.KeepAliveTimeout {
				l.shutdown(ErrPongTimeout)
				return
			} else {
				continue
			}
		}
		if now.Sub(heard) < l.opts.KeepAliveInterval {
			continue
		}
		if err := l.write(FramePing, nil); err != nil {
			return
		}
		pinged = now
	}
}

func (l *Link) shutdown(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) downErr() error {
	if l.err != nil {
		return l.err
	}
	return io.EOF
}
