package coordinator

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/telemetry"
	"github.com/ryandielhenn/distcache/pkg/upstream"
)

// httpMux wires the embedded HTTP server's routes: the peer surface,
// health/info, Prometheus metrics, and a client-facing entry point
// that drives Refresh directly in place of a filesystem front-end.
func (c *Coordinator) httpMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.healthz)
	mux.HandleFunc("/info", c.info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/p/", c.stats.Instrument("peer", http.HandlerFunc(c.servePeer)))
	mux.Handle("/", c.stats.Instrument("client", http.HandlerFunc(c.serveClient)))
	return mux
}

func (c *Coordinator) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (c *Coordinator) info(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, `{"uuid":%q,"url":%q,"peers":%d,"cache_entries":%d}`,
		c.UUID, c.URL, c.table.Size(), c.cache.Len())
}

// servePeer implements the peer request handler: validate the minor
// version, then either serve a nested meta-request or forward the
// request through the local cache with peer routing disabled.
func (c *Coordinator) servePeer(w http.ResponseWriter, r *http.Request) {
	stem, ok := stripMinorVersionPrefix(r.URL.Path)
	if !ok {
		http.Error(w, "unsupported or missing protocol minor version", http.StatusBadRequest)
		return
	}

	if len(stem) >= 3 && stem[:3] == "/p/" {
		c.serveNestedMeta(w, stem)
		return
	}

	req := &upstream.Request{URLStem: stemWithQuery(stem, r.URL.RawQuery), NoPeerCache: true}
	reply, err := c.cache.Get(r.Context(), req, c.origin)
	if err != nil {
		obs.L().Warnw("coordinator: peer handler refresh failed", "stem", req.URLStem, "err", err)
		http.Error(w, "upstream refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeReply(w, reply)
}

func stemWithQuery(stem, rawQuery string) string {
	if rawQuery == "" {
		return stem
	}
	return stem + "?" + rawQuery
}

// serveNestedMeta handles a recovered stem that itself begins with
// "/p/": currently only "/p/uuid".
func (c *Coordinator) serveNestedMeta(w http.ResponseWriter, stem string) {
	if stem == "/p/uuid" {
		w.Header().Set("Cache-Control", "max-age=86400")
		w.Write([]byte(c.UUID))
		return
	}
	http.NotFound(w, nil)
}

// serveClient is the substitute client entry point: a direct HTTP GET
// against the coordinator drives Refresh and returns the resulting
// Reply, the way a FUSE read would.
func (c *Coordinator) serveClient(w http.ResponseWriter, r *http.Request) {
	req := &upstream.Request{URLStem: stemWithQuery(r.URL.Path, r.URL.RawQuery)}
	if r.URL.Query().Get("no_cache") == "1" {
		req.NoCache = true
	}
	reply, err := c.Refresh(r.Context(), req)
	if err != nil {
		obs.L().Warnw("coordinator: client refresh failed", "stem", req.URLStem, "err", err)
		http.Error(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeReply(w, reply)
}

// writeReply maps an internal Reply onto an HTTP response, preserving
// errno, estale-cookie, ETag, content-encoding, and cache-control
// max-age/stale-while-revalidate.
func writeReply(w http.ResponseWriter, reply *upstream.Reply) {
	if reply.Errno != 0 {
		w.Header().Set("X-Distcache-Errno", strconv.Itoa(int(reply.Errno)))
		http.Error(w, "errno", http.StatusInternalServerError)
		return
	}
	if reply.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", reply.ContentEncoding)
	}
	if reply.ETag != 0 {
		w.Header().Set("ETag", `"`+strconv.FormatUint(reply.ETag, 16)+`"`)
	}
	if reply.EstaleCookie != "" {
		w.Header().Set("X-Distcache-Estale-Cookie", reply.EstaleCookie)
	}
	maxAge := int(reply.MaxAge().Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	cc := fmt.Sprintf("max-age=%d", maxAge)
	if reply.SWR > 0 {
		cc += fmt.Sprintf(", stale-while-revalidate=%d", int(reply.SWR.Seconds()))
	}
	w.Header().Set("Cache-Control", cc)
	w.Write(reply.Content)
}
