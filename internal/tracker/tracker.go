// Package tracker implements the HTTP tracker adapter: a single announce
// request per the spec's query-parameter contract, and decoding of the
// compact IPv4 peer list from the bencoded reply.
package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// ErrTrackerFailure covers non-200 responses, unparseable replies, and an
// empty peer list — all fatal at startup per spec §7.
var ErrTrackerFailure = errors.New("tracker: announce failed")

// Event names the BEP3 announce event parameter.
type Event string

const (
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
	EventNone      Event = ""
)

// AnnounceParams carries the fields the tracker adapter sends on every
// announce, per spec §6.
type AnnounceParams struct {
	Announce   string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Event      Event
}

// rawAnnounceResponse mirrors the bencoded tracker reply.
type rawAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// AnnounceResponse is the engine-facing result of a tracker announce.
type AnnounceResponse struct {
	Interval int
	Peers    []netip.AddrPort
}

// Client issues announces against a single tracker URL.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using http.DefaultTransport semantics. It sets
// no timeout of its own; each request is bounded by the context passed to
// Announce.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Announce performs one HTTP GET against params.Announce with the exact
// query parameters spec §6 names, and decodes the compact IPv4 peer list
// from the reply.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	u, err := buildAnnounceURL(params)
	if err != nil {
		return nil, fmt.Errorf("%w: build url: %v", ErrTrackerFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTrackerFailure, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrTrackerFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTrackerFailure, err)
	}

	return parseAnnounceResponse(body)
}

// buildAnnounceURL percent-encodes info_hash and peer_id as raw bytes and
// assembles the query string spec §6 requires.
func buildAnnounceURL(p AnnounceParams) (string, error) {
	base, err := url.Parse(p.Announce)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")
	if p.Event != EventNone {
		q.Set("event", string(p.Event))
	}
	q.Set("num_want", strconv.Itoa(p.NumWant))

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	var raw rawAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", ErrTrackerFailure, err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, raw.FailureReason)
	}

	peers, err := decodeCompactPeersV4([]byte(raw.Peers))
	if err != nil {
		return nil, fmt.Errorf("%w: decode peers: %v", ErrTrackerFailure, err)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: empty peer list", ErrTrackerFailure)
	}

	return &AnnounceResponse{Interval: raw.Interval, Peers: peers}, nil
}

// decodeCompactPeersV4 decodes the compact peer list: 6 bytes per peer, 4
// IPv4 octets followed by a big-endian port. IPv6 (peers6) is out of scope.
func decodeCompactPeersV4(data []byte) ([]netip.AddrPort, error) {
	const stride = 6
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("malformed compact peers: length %d not a multiple of %d", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		chunk := data[off : off+stride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}
