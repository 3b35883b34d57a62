// Package registry is the client for the external reference server: rank
// acquisition, peer-list refresh, and heartbeat (§4.7).
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// Peer is one entry of the registry's server list.
type Peer struct {
	Name string
	Rank int
}

const (
	rankTimeout      = 5 * time.Second
	listTimeout      = 5 * time.Second
	heartbeatTimeout = 5 * time.Second
)

// Client talks to the reference server and caches the last known peer
// list so the replica can keep serving clients through a transient
// registry outage (§4.7 error semantics).
type Client struct {
	addr       string
	serverName string
	clock      *clock.Lamport

	mu    sync.Mutex
	peers []Peer
	rank  int
}

// New builds a registry client for serverName, talking to the reference
// server at addr.
func New(addr, serverName string, lamport *clock.Lamport) *Client {
	return &Client{addr: addr, serverName: serverName, clock: lamport}
}

// Rank registers with the reference server (idempotent) and returns the
// assigned rank, caching it for the process lifetime.
func (c *Client) Rank() (int, error) {
	req := wire.New("rank", 0, c.clock.Increment())
	req.Data["user"] = c.serverName
	resp, err := wire.RequestReply(c.addr, req, rankTimeout)
	if err != nil {
		return 0, fmt.Errorf("registry: rank request: %w", err)
	}
	c.clock.Update(resp.Clock)
	rank := resp.Int("rank")
	c.mu.Lock()
	c.rank = rank
	c.mu.Unlock()
	return rank, nil
}

// CachedRank returns the last rank obtained via Rank, or 0 if none yet.
func (c *Client) CachedRank() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rank
}

// List fetches the current peer list. On failure it returns the cached
// list from the last successful call, so callers never see the cluster
// topology collapse to empty just because the registry hiccuped.
func (c *Client) List() ([]Peer, error) {
	req := wire.New("list", 0, c.clock.Increment())
	resp, err := wire.RequestReply(c.addr, req, listTimeout)
	if err != nil {
		c.mu.Lock()
		cached := append([]Peer{}, c.peers...)
		c.mu.Unlock()
		return cached, fmt.Errorf("registry: list request: %w", err)
	}
	c.clock.Update(resp.Clock)

	raw, _ := resp.Data["list"].([]interface{})
	peers := make([]Peer, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		peers = append(peers, Peer{Name: name, Rank: toInt(m["rank"])})
	}

	c.mu.Lock()
	c.peers = peers
	c.mu.Unlock()
	return peers, nil
}

// CachedPeers returns the last successfully fetched peer list.
func (c *Client) CachedPeers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Peer{}, c.peers...)
}

// Heartbeat sends a liveness ping to the reference server. Failure is
// swallowed by the caller's background loop per §7.3.
func (c *Client) Heartbeat() error {
	req := wire.New("heartbeat", 0, c.clock.Increment())
	req.Data["user"] = c.serverName
	resp, err := wire.RequestReply(c.addr, req, heartbeatTimeout)
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	c.clock.Update(resp.Clock)
	return nil
}

// RunHeartbeatLoop sends a heartbeat every interval until stop is closed.
func (c *Client) RunHeartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				log.Println("[REGISTRY] heartbeat erro:", err)
			}
		}
	}
}

// RunListRefreshLoop refreshes the cached peer list every interval,
// invoking onUpdate with the fresh list on success.
func (c *Client) RunListRefreshLoop(interval time.Duration, stop <-chan struct{}, onUpdate func([]Peer)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			peers, err := c.List()
			if err != nil {
				log.Println("[REGISTRY] list refresh erro:", err)
				continue
			}
			if onUpdate != nil {
				onUpdate(peers)
			}
		}
	}
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
