package p2pnet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"
	"golang.org/x/sync/errgroup"
)

// HalfCloseConn is a connection that supports half-close (CloseWrite).
// Both proxyStream (libp2p streams) and tcpHalfCloser (TCP connections)
// implement this.
type HalfCloseConn interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// tcpHalfCloser adapts a net.Conn to support CloseWrite via type assertion.
type tcpHalfCloser struct{ net.Conn }

func (t *tcpHalfCloser) CloseWrite() error {
	if tc, ok := t.Conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// proxyStream wraps a libp2p stream to implement HalfCloseConn.
type proxyStream struct{ stream network.Stream }

func (s *proxyStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *proxyStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *proxyStream) Close() error                { return s.stream.Close() }
func (s *proxyStream) CloseWrite() error           { return s.stream.CloseWrite() }

// meter wraps one side of a splice and owns all byte accounting for the
// session: in is what came out of the wrapped connection, out what was
// pushed into it. When a Metrics collector is attached the counts are
// mirrored there as well.
type meter struct {
	HalfCloseConn
	in, out atomic.Int64
	count   func(direction string, n int) // nil without metrics
}

func newMeter(c HalfCloseConn, role string, m *Metrics) *meter {
	mt := &meter{HalfCloseConn: c}
	if m != nil {
		mt.count = func(direction string, n int) {
			m.ProxyBytesTotal.WithLabelValues(direction, role).Add(float64(n))
		}
	}
	return mt
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.HalfCloseConn.Read(p)
	if n > 0 {
		m.in.Add(int64(n))
		if m.count != nil {
			m.count("rx", n)
		}
	}
	return n, err
}

func (m *meter) Write(p []byte) (int, error) {
	n, err := m.HalfCloseConn.Write(p)
	if n > 0 {
		m.out.Add(int64(n))
		if m.count != nil {
			m.count("tx", n)
		}
	}
	return n, err
}

// copyHalf drains one direction, then propagates half-close so the
// receiving end learns that no more data is coming. EOF is the normal
// way for a direction to end, not an error.
func copyHalf(dst, src HalfCloseConn) error {
	_, err := io.Copy(dst, src)
	dst.CloseWrite()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// spliceConns bridges two connections until both directions have
// drained, then closes both sides. The remote side carries the meter,
// so counts survive the splice.
func spliceConns(remote *meter, local HalfCloseConn, label string) {
	var g errgroup.Group
	g.Go(func() error {
		if err := copyHalf(local, remote); err != nil {
			return fmt.Errorf("remote→local: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := copyHalf(remote, local); err != nil {
			return fmt.Errorf("local→remote: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("proxy copy error", "session", label, "error", err)
	}
	remote.Close()
	local.Close()
}

// runSplice runs the post-handshake phase of one proxy session: raw
// bidirectional bytes between the overlay stream and the local TCP
// connection. Returns (bytes received from the remote, bytes sent to
// it). Metrics is nil-safe.
func runSplice(stream network.Stream, local net.Conn, role string, metrics *Metrics) (int64, int64) {
	if metrics != nil {
		metrics.ProxySessionsTotal.WithLabelValues(role).Inc()
		metrics.ProxyActiveSessions.WithLabelValues(role).Inc()
		defer metrics.ProxyActiveSessions.WithLabelValues(role).Dec()
	}

	m := newMeter(&proxyStream{stream}, role, metrics)
	spliceConns(m, &tcpHalfCloser{local}, role)
	return m.in.Load(), m.out.Load()
}
