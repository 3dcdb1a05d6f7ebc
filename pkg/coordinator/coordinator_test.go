package coordinator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ryandielhenn/distcache/internal/config"
	"github.com/ryandielhenn/distcache/internal/secret"
	"github.com/ryandielhenn/distcache/internal/telemetry"
	"github.com/ryandielhenn/distcache/pkg/peer"
	"github.com/ryandielhenn/distcache/pkg/upstream"
)

func newTestCoordinator(t *testing.T, originURL string) *Coordinator {
	t.Helper()
	cfg := config.New()
	c, err := New(Deps{
		ListenAddr:    ":0",
		AdvertisedURL: "http://self.test:8080",
		Scope:         "test",
		OriginBaseURL: originURL,
		Cfg:           cfg,
		Secrets:       secret.New(""),
		Stats:         &telemetry.Stats{},
		CacheCapBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSingleNodeServesItself(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("origin-data"))
	}))
	defer origin.Close()

	c := newTestCoordinator(t, origin.URL)

	req := &upstream.Request{URLStem: "/a/root"}
	reply, err := c.Refresh(context.Background(), req)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if string(reply.Content) != "origin-data" {
		t.Fatalf("content = %q", reply.Content)
	}
	if c.table.Size() != 1 {
		t.Fatalf("peer table size = %d, want 1 (self only)", c.table.Size())
	}
}

func TestNoPeerCacheBypassesRouting(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin-data"))
	}))
	defer origin.Close()

	c := newTestCoordinator(t, origin.URL)
	// install a failing peer that owns part of the ring, to prove NoPeerCache skips routing
	c.table.Insert(&peer.Peer{UUID: "other", URL: "http://unreachable.invalid:1", Backend: failingBackend{}})

	req := &upstream.Request{URLStem: "/a/root", NoPeerCache: true}
	reply, err := c.Refresh(context.Background(), req)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if string(reply.Content) != "origin-data" {
		t.Fatalf("content = %q", reply.Content)
	}
}

type failingBackend struct{}

func (failingBackend) Refresh(ctx context.Context, req *upstream.Request, reply *upstream.Reply) (upstream.Result, error) {
	return upstream.Modified, assertErr
}

var assertErr = errStr("simulated peer failure")

type errStr string

func (e errStr) Error() string { return string(e) }

func TestPeerFailureFallsBackAndRemovesPeer(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin-data"))
	}))
	defer origin.Close()

	c := newTestCoordinator(t, origin.URL)

	// force every lookup onto a peer that always fails, by removing self
	// from consideration is not possible (self can't be removed), so
	// instead we directly exercise handlePeerError + the retry path.
	badPeer := &peer.Peer{UUID: "bad", URL: "http://bad.invalid:1", Backend: failingBackend{}}
	c.table.Insert(badPeer)

	req := &upstream.Request{URLStem: "/a/root"}
	// Drive Refresh repeatedly until the hash happens to route to
	// badPeer at least once (routing is deterministic per key, so try a
	// handful of distinct stems).
	var sawPeerRoute bool
	for i := 0; i < 64; i++ {
		stem := req.URLStem + string(rune('a'+i))
		p := c.table.Lookup(stem)
		if p.UUID == "bad" {
			sawPeerRoute = true
			r := &upstream.Request{URLStem: stem}
			reply, err := c.Refresh(context.Background(), r)
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if string(reply.Content) != "origin-data" {
				t.Fatalf("expected origin fallback content, got %q", reply.Content)
			}
			break
		}
	}
	if !sawPeerRoute {
		t.Skip("no test key happened to hash onto the bad peer; hash-dependent test")
	}
	if c.table.CheckURL("http://bad.invalid:1") {
		t.Fatalf("failed peer should have been removed from the table")
	}
}

func TestServePeerRejectsUnknownMinorVersion(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer origin.Close()
	c := newTestCoordinator(t, origin.URL)

	srv := httptest.NewServer(c.httpMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/p/99/a/root")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServePeerUUIDMetaRequest(t *testing.T) {
	c := newTestCoordinator(t, "http://origin.invalid")
	srv := httptest.NewServer(c.httpMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/p/7/p/uuid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "max-age=86400" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestServePeerForwardsThroughServerSideCache(t *testing.T) {
	var hits int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("fwd-data"))
	}))
	defer origin.Close()

	c := newTestCoordinator(t, origin.URL)
	srv := httptest.NewServer(c.httpMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/p/7/a/thing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "fwd-data" {
		t.Fatalf("body = %q", body)
	}
}

func TestHandleAbsentSelfLoopback(t *testing.T) {
	c := newTestCoordinator(t, "http://origin.invalid")
	c.HandleAbsent(c.URL)
	if c.stats.SelfLoopback.Load() != 1 {
		t.Fatalf("expected self-loopback to be counted")
	}
	if c.table.Size() != 1 {
		t.Fatalf("self must remain in table")
	}
}

func TestHandlePresentLoopbackNoOp(t *testing.T) {
	c := newTestCoordinator(t, "http://origin.invalid")
	before := c.table.Size()
	c.HandlePresent(c.URL)
	if c.table.Size() != before {
		t.Fatalf("Present(self_url) must be a no-op on the peer table")
	}
}

func TestShutdownWithoutListenerReturns(t *testing.T) {
	cfg := config.New()
	cfg.PeerConnectTimeout.Store(int64(time.Second))
	cfg.PeerTransferTimeout.Store(int64(time.Second))
	// sanity: just ensure this compiles/does not panic when no listener configured
	c := &Coordinator{cfg: cfg, httpServer: &http.Server{}, maintStop: make(chan struct{})}
	c.Shutdown(context.Background())
}
