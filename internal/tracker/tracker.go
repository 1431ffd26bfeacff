// Package tracker implements the HTTP tracker announce protocol: building
// the announce request, decoding the bencoded response, and a background
// loop that re-announces on the interval the tracker requests, backing off
// on failure.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pcswarm/pcswarm/pkg/bencode"
	"github.com/pcswarm/pcswarm/pkg/cast"
	"github.com/pcswarm/pcswarm/pkg/config"
)

const (
	maxResponseSize        = 2 * 1024 * 1024
	maxBackoffShift        = 5
	maxConsecutiveFailures = 8
)

// Event is the optional lifecycle marker sent with an announce.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams is the set of query parameters sent with every announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    uint32
	Event      Event
}

// AnnounceResponse is the decoded tracker reply.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Stats holds atomic announce counters for status reporting.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	TotalPeersReceived  atomic.Uint64
}

// Opts configures a Client's background announce loop.
type Opts struct {
	Log *slog.Logger

	// OnAnnounceStart builds the parameters for the next announce,
	// reflecting current upload/download/left totals and role.
	OnAnnounceStart func() *AnnounceParams

	// OnAnnounceSuccess is called with the peer addresses returned by a
	// successful announce.
	OnAnnounceSuccess func(addrs []netip.AddrPort)
}

// Client announces to a single tracker URL over HTTP, as required by this
// specification's scope (no multi-tier or UDP tracker support).
type Client struct {
	announceURL *url.URL
	httpClient  *http.Client
	log         *slog.Logger
	stats       Stats

	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(addrs []netip.AddrPort)
}

// NewClient parses announce and returns a Client ready to Run.
func NewClient(announce string, opts *Opts) (*Client, error) {
	if opts.OnAnnounceStart == nil || opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: announce hooks missing")
	}

	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	return &Client{
		announceURL: u,
		log:         opts.Log.With("component", "tracker"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
	}, nil
}

// Stats returns a point-in-time snapshot of announce counters.
func (c *Client) Stats() Stats {
	var s Stats
	s.TotalAnnounces.Store(c.stats.TotalAnnounces.Load())
	s.SuccessfulAnnounces.Store(c.stats.SuccessfulAnnounces.Load())
	s.FailedAnnounces.Store(c.stats.FailedAnnounces.Load())
	s.TotalPeersReceived.Store(c.stats.TotalPeersReceived.Load())
	return s
}

// Announce performs a single announce request.
func (c *Client) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	c.stats.TotalAnnounces.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.stats.FailedAnnounces.Add(1)
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.stats.FailedAnnounces.Add(1)
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	ar, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		c.stats.FailedAnnounces.Add(1)
		return nil, err
	}

	c.stats.SuccessfulAnnounces.Add(1)
	c.stats.TotalPeersReceived.Add(uint64(len(ar.Peers)))

	c.log.Info("announce success",
		"peers", len(ar.Peers), "seeders", ar.Seeders, "leechers", ar.Leechers)

	return ar, nil
}

func (c *Client) buildURL(params *AnnounceParams) string {
	u := *c.announceURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dict (%T)", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", reason)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, err
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])

	return &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

// Run drives the background announce loop: an initial "started" announce,
// periodic re-announces at the tracker's requested interval, and an
// exponentially backed-off retry on failure. Per §4.5/§7, a tracker that
// stays unreachable is logged and retried forever at a capped backoff — it
// never terminates Run, since this loop shares an errgroup with the
// listener and every peer session and an error here would tear both down.
// It returns only when ctx is cancelled, sending a best-effort "stopped"
// announce first.
func (c *Client) Run(ctx context.Context) error {
	l := c.log.With("component", "announce_loop")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(10 * time.Millisecond) // fire almost immediately first
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := c.onAnnounceStart()
			params.Event = EventStopped
			_, _ = c.Announce(sctx, params)
			cancel()
			return nil

		case <-ticker.C:
			resp, err := c.Announce(ctx, c.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				backoff := calculateBackoff(consecutiveFailures)
				if consecutiveFailures >= maxConsecutiveFailures {
					l.Error("announce persistently failing, continuing with current peer list",
						"error", err.Error(), "consecutive_failures", consecutiveFailures, "backoff", backoff)
				} else {
					l.Warn("announce failed", "error", err.Error(), "backoff", backoff)
				}
				ticker.Reset(backoff)
				continue
			}

			c.onAnnounceSuccess(resp.Peers)
			consecutiveFailures = 0
			ticker.Reset(nextAnnounceInterval(resp))
		}
	}
}

func calculateBackoff(failures int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := baseDelay * (1 << uint(shift))

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}

func nextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := config.Load().AnnounceInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	return interval
}
