package coordinator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/pkg/peer"
	"github.com/ryandielhenn/distcache/pkg/upstream"
)

// HandlePresent fast-path returns if url is already known (this
// subsumes multicast loopback of our own Present). Otherwise it probes
// /p/<ver>/p/uuid and inserts the peer on success; it silently drops
// on failure.
func (c *Coordinator) HandlePresent(url string) {
	if c.table.CheckURL(url) {
		return
	}

	connectTimeout := time.Duration(c.cfg.PeerConnectTimeout.Load())
	transferTimeout := time.Duration(c.cfg.PeerTransferTimeout.Load())

	uuid, err := probeUUID(url, connectTimeout, transferTimeout)
	if err != nil {
		obs.L().Debugw("coordinator: peer probe failed, dropping Present", "url", url, "err", err)
		return
	}

	backend := upstream.NewHTTPBackend(
		func(stem string) string { return url + stem },
		connectTimeout, transferTimeout,
		int(c.cfg.MaxRedirects.Load()),
	)
	c.table.Insert(&peer.Peer{UUID: uuid, URL: url, Backend: backend})
	obs.L().Infow("coordinator: discovered peer", "uuid", uuid, "url", url)
}

// HandleAbsent removes the URL from the peer table; it counts
// separately if the URL is self (evidence our own Absent looped back).
func (c *Coordinator) HandleAbsent(url string) {
	if url == c.URL {
		c.stats.SelfLoopback.Add(1)
		return
	}
	c.table.RemoveByURL(url)
}

// HandleDiscourage is currently log-only. The counter is recorded by
// the listener dispatch before this is called; active eviction is left
// unimplemented to avoid a misconfigured node poisoning the peer set,
// or a thundering herd from eager probing.
func (c *Coordinator) HandleDiscourage(url string) {
	obs.L().Infow("coordinator: peer discouraged (log-only)", "url", url)
}

// probeUUID issues GET <url>/p/<ver>/p/uuid and returns the body.
func probeUUID(url string, connectTimeout, transferTimeout time.Duration) (string, error) {
	client := &http.Client{Timeout: connectTimeout + transferTimeout}
	probeURL := fmt.Sprintf("%s/p/%d/p/uuid", url, CurrentMinorVersion)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout+transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe %s: status %d", probeURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
