// Package coordinator implements the distributed cache coordinator and
// its embedded peer request handler: the top of the core that decides
// local-vs-peer routing, runs the control-plane listener, and
// publishes liveness.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/distcache/internal/config"
	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/secret"
	"github.com/ryandielhenn/distcache/internal/telemetry"
	"github.com/ryandielhenn/distcache/pkg/cache"
	"github.com/ryandielhenn/distcache/pkg/control"
	"github.com/ryandielhenn/distcache/pkg/peer"
	"github.com/ryandielhenn/distcache/pkg/upstream"
)

// CurrentMinorVersion is the minor version this build writes onto
// outgoing peer requests. AcceptedMinorVersions is the set this build
// will still parse on the way in: anything outside this set is
// rejected at the handshake rather than silently misparsed.
const CurrentMinorVersion = 7

var AcceptedMinorVersions = map[int]bool{6: true, 7: true}

// Coordinator is the distributed cache coordinator: it owns the peer
// table, the local cache, the control-plane listener, and the embedded
// HTTP server.
type Coordinator struct {
	UUID string
	URL  string

	table   *peer.Table
	cache   *cache.Cache
	origin  upstream.Backend
	cfg     *config.Config
	secrets *secret.Store
	stats   *telemetry.Stats

	scope       string
	signSecretID string

	framer   *control.Framer
	conn     net.PacketConn
	reflector net.Addr
	listener *control.Listener

	httpServer *http.Server

	maintWg   sync.WaitGroup
	maintStop chan struct{}
}

// Deps bundles everything New needs beyond what it constructs
// itself (UUID, peer table, listener).
type Deps struct {
	ListenAddr     string // this node's HTTP listen address, e.g. ":8080"
	AdvertisedURL  string // the base URL other peers should use to reach us
	Scope          string
	SignSecretID   string
	Reflector      string // multicast group or unicast repeater "host:port"
	OriginBaseURL  string
	Cfg            *config.Config
	Secrets        *secret.Store
	Stats          *telemetry.Stats
	CacheCapBytes  int
}

// New constructs a Coordinator: it generates a UUID, builds the origin
// backend and disk cache, seeds the peer table with self, and binds
// the control-plane socket if a reflector is configured. It does not
// yet spawn the listener/maintenance goroutines; call Start.
func New(d Deps) (*Coordinator, error) {
	id := uuid.NewString()

	c := &Coordinator{
		UUID:         id,
		URL:          d.AdvertisedURL,
		cfg:          d.Cfg,
		secrets:      d.Secrets,
		stats:        d.Stats,
		scope:        d.Scope,
		signSecretID: d.SignSecretID,
		maintStop:    make(chan struct{}),
	}

	c.origin = upstream.NewHTTPBackend(
		func(stem string) string { return d.OriginBaseURL + stem },
		time.Duration(d.Cfg.OriginConnectTimeout.Load()),
		time.Duration(d.Cfg.OriginTransferTimeout.Load()),
		int(d.Cfg.MaxRedirects.Load()),
	)
	c.cache = cache.New(d.CacheCapBytes, d.Stats)

	selfPeer := &peer.Peer{UUID: id, URL: d.AdvertisedURL, Backend: c.origin}
	c.table = peer.NewTable(selfPeer)

	c.framer = &control.Framer{
		Scope:      d.Scope,
		Secrets:    d.Secrets,
		SkewWindow: time.Duration(d.Cfg.MulticastTimestampSkew.Load()),
	}

	if d.Reflector != "" {
		addr, err := net.ResolveUDPAddr("udp", d.Reflector)
		if err != nil {
			return nil, fmt.Errorf("coordinator: resolving reflector: %w", err)
		}
		c.reflector = addr

		conn, err := bindReflector(addr, d.Cfg.MulticastLoop.Load())
		if err != nil {
			return nil, fmt.Errorf("coordinator: binding reflector: %w", err)
		}
		c.conn = conn
		c.listener = control.NewListener(c.framer, c.conn, c, d.Stats)
	}

	c.httpServer = &http.Server{
		Addr:    d.ListenAddr,
		Handler: c.httpMux(),
	}

	return c, nil
}

// bindReflector binds a UDP socket for the reflector address. If addr
// is a multicast group, it joins the group; loopback tuning (normally
// off, on only for same-host multi-peer testing) is noted below.
func bindReflector(addr *net.UDPAddr, loopback bool) (*net.UDPConn, error) {
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err := net.ListenMulticastUDP("udp", nil, addr)
		if err != nil {
			return nil, err
		}
		conn.SetWriteBuffer(control.MaxMessageSize * 8)
		_ = loopback // IP_MULTICAST_LOOP tuning is platform-specific; ListenMulticastUDP
		// already disables loopback of our own sends by default on most
		// platforms. A same-host test harness that needs loopback
		// should set Fs123DistribCacheMulticastLoop and bind via a
		// raw socket option helper outside this package.
		return conn, nil
	}
	return net.ListenUDP("udp", nil)
}

// Start spawns the UDP listener and periodic maintenance goroutines,
// and starts the embedded HTTP server.
func (c *Coordinator) Start() {
	if c.listener != nil {
		go c.listener.Run()
	}
	c.maintWg.Add(1)
	go c.maintenanceLoop()

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.L().Errorw("coordinator: http server exited", "err", err)
		}
	}()
}

// Refresh decides whether req is served locally or routed to a peer,
// and falls back to the origin on any peer failure.
func (c *Coordinator) Refresh(ctx context.Context, req *upstream.Request) (*upstream.Reply, error) {
	if req.NoPeerCache {
		c.stats.RecordRoute("self")
		return c.cache.Get(ctx, req, c.origin)
	}

	p := c.table.Lookup(req.URLStem)
	if p == nil || p.UUID == c.table.SelfUUID() {
		c.stats.RecordRoute("self")
		return c.cache.Get(ctx, req, c.origin)
	}

	peerReq := *req
	peerReq.URLStem = fmt.Sprintf("/p/%d%s", CurrentMinorVersion, req.URLStem)
	peerReq.NoPeerCache = true

	var reply upstream.Reply
	_, err := p.Backend.Refresh(ctx, &peerReq, &reply)
	if err != nil {
		c.handlePeerError(p)
		c.stats.RecordRoute("origin")
		return c.cache.Get(ctx, req, c.origin)
	}

	c.stats.RecordRoute("peer")
	return &reply, nil
}

// handlePeerError counts, discourages, and removes a peer whose
// Backend.Refresh call failed. The caller always retries exactly once
// via direct upstream.
func (c *Coordinator) handlePeerError(p *peer.Peer) {
	c.stats.RecordPeerError()
	if err := c.broadcast(control.CmdDiscourage, p.URL); err != nil {
		obs.L().Warnw("coordinator: failed to broadcast Discourage", "peer", p.URL, "err", err)
	}
	c.table.RemoveByURL(p.URL)
}

func (c *Coordinator) broadcast(cmd byte, url string) error {
	if c.conn == nil || c.reflector == nil {
		return nil // no reflector configured; single-node mode
	}
	return c.framer.Send(c.conn, c.reflector, []string{string(cmd), url}, c.signSecretID)
}

func (c *Coordinator) maintenanceLoop() {
	defer c.maintWg.Done()
	interval := time.Duration(c.cfg.MaintenanceInterval.Load())
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.maintStop:
			return
		case <-t.C:
			if c.shouldBroadcastPresent() {
				if err := c.broadcast(control.CmdPresent, c.URL); err != nil {
					obs.L().Warnw("coordinator: failed to broadcast Present", "err", err)
				}
			}
			if err := c.secrets.Refresh(); err != nil {
				obs.L().Warnw("coordinator: secret refresh failed", "err", err)
			}
		}
	}
}

// shouldBroadcastPresent skips the periodic Present broadcast under
// local overload. Defaults to always-true; LoadShedThreshold of 0
// disables shedding entirely.
func (c *Coordinator) shouldBroadcastPresent() bool {
	threshold := c.cfg.LoadShedThreshold.Load()
	if threshold <= 0 {
		return true
	}
	return c.stats.InFlight.Load() < threshold
}

// Shutdown runs the bounded shutdown sequence: broadcast Absent,
// stop the maintenance loop, stop the HTTP server, then stop the UDP
// listener within a deadline.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !c.cfg.DangerousNoAbsentOnShutdown.Load() {
		if err := c.broadcast(control.CmdAbsent, c.URL); err != nil {
			obs.L().Warnw("coordinator: failed to broadcast Absent at shutdown", "err", err)
		}
	}

	close(c.maintStop)
	c.maintWg.Wait()

	if err := c.httpServer.Shutdown(ctx); err != nil {
		obs.L().Warnw("coordinator: http server shutdown error", "err", err)
	}

	if c.listener == nil {
		return
	}
	deadline := time.Duration(c.cfg.PeerConnectTimeout.Load()) +
		time.Duration(c.cfg.PeerTransferTimeout.Load()) + 10*time.Second
	if !c.listener.Stop(deadline) {
		obs.Fatal("coordinator: UDP listener did not exit within shutdown deadline; forced termination required")
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// stripMinorVersionPrefix recovers the original stem from a /p/<ver>
// path, validating ver against AcceptedMinorVersions.
func stripMinorVersionPrefix(path string) (stem string, ok bool) {
	if !strings.HasPrefix(path, "/p/") {
		return "", false
	}
	rest := path[len("/p/"):]
	verStr, tail, found := strings.Cut(rest, "/")
	if !found {
		return "", false
	}
	var ver int
	if _, err := fmt.Sscanf(verStr, "%d", &ver); err != nil {
		return "", false
	}
	if !AcceptedMinorVersions[ver] {
		return "", false
	}
	return "/" + tail, true
}
