package p2pnet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/preers/preers/internal/data"
)

// localDialTimeout bounds the TCP dial to a provided service.
const localDialTimeout = 10 * time.Second

// provider accepts inbound proxy streams and bridges them to local TCP
// services. Only (host, port) pairs present in the allow-set are
// served; everything else is answered with allowed=false.
type provider struct {
	host    host.Host
	metrics *Metrics

	// adds feeds the allow-set from the controller.
	adds chan data.ProvideService

	mu      sync.Mutex
	allowed map[hostPort]struct{}
}

type hostPort struct {
	host string
	port uint16
}

func newProvider(h host.Host, m *Metrics) *provider {
	return &provider{
		host:    h,
		metrics: m,
		adds:    make(chan data.ProvideService, mailboxSize),
		allowed: make(map[hostPort]struct{}),
	}
}

// start registers the stream handler and launches the allow-set loop.
func (p *provider) start(ctx context.Context) {
	p.host.SetStreamHandler(ProxyProtocol, p.handleStream)
	go p.run(ctx)
}

func (p *provider) run(ctx context.Context) {
	for {
		select {
		case svc := <-p.adds:
			p.mu.Lock()
			p.allowed[hostPort{svc.Host, svc.Port}] = struct{}{}
			p.mu.Unlock()
			slog.Info("providing service", "host", svc.Host, "port", svc.Port)
		case <-ctx.Done():
			return
		}
	}
}

func (p *provider) isAllowed(host string, port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allowed[hostPort{host, port}]
	return ok
}

// handleStream runs one provider session: read the request, check it
// against the allow-set, answer, then splice against the local TCP
// service. Each failure tears down this session only.
func (p *provider) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()

	var req UseServiceReq
	if err := readMessage(s, &req); err != nil {
		slog.Error("receive use service request failed", "peer", remote, "error", err)
		s.Reset()
		return
	}
	slog.Debug("use service request", "peer", remote, "host", req.Host, "port", req.Port)

	if req.Port > 65535 || !p.isAllowed(req.Host, uint16(req.Port)) {
		slog.Warn("use service request not allowed", "peer", remote, "host", req.Host, "port", req.Port)
		p.reject(s, "not_provided")
		return
	}

	// Only literal IP addresses are served; hostnames are rejected.
	addr := net.JoinHostPort(req.Host, strconv.FormatUint(uint64(req.Port), 10))
	if _, err := netip.ParseAddrPort(addr); err != nil {
		slog.Warn("use service request target invalid", "peer", remote, "host", req.Host, "port", req.Port)
		p.reject(s, "bad_address")
		return
	}

	if err := writeMessage(s, &UseServiceResp{Allowed: true}); err != nil {
		slog.Warn("send use service response failed", "peer", remote, "error", err)
		s.Reset()
		return
	}

	conn, err := net.DialTimeout("tcp", addr, localDialTimeout)
	if err != nil {
		slog.Error("connect to provided service failed", "addr", addr, "error", err)
		s.Reset()
		return
	}

	fromRemote, toRemote := runSplice(s, conn, "provider", p.metrics)
	slog.Info("proxy session done", "peer", remote, "addr", addr,
		"remote_to_local", fromRemote, "local_to_remote", toRemote)
}

func (p *provider) reject(s network.Stream, reason string) {
	if p.metrics != nil {
		p.metrics.ProxyRejectedTotal.WithLabelValues(reason).Inc()
	}
	if err := writeMessage(s, &UseServiceResp{Allowed: false}); err != nil {
		s.Reset()
		return
	}
	s.Close()
}
