package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeCompactPeersV4(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 5, 0x1A, 0xE2}
	peers, err := decodeCompactPeersV4(data)
	if err != nil {
		t.Fatalf("decodeCompactPeersV4: %v", err)
	}
	want := []netip.AddrPort{
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 0x1AE1),
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 5}), 0x1AE2),
	}
	if len(peers) != len(want) {
		t.Fatalf("got %v, want %v", peers, want)
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("peer %d: got %v, want %v", i, peers[i], want[i])
		}
	}
}

func TestDecodeCompactPeersV4RejectsBadLength(t *testing.T) {
	if _, err := decodeCompactPeersV4([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected malformed error")
	}
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	body := []byte("d14:failure reason11:bad requeste")
	if _, err := parseAnnounceResponse(body); err == nil {
		t.Fatal("expected failure reason error")
	}
}

func TestParseAnnounceResponseEmptyPeers(t *testing.T) {
	body := []byte("d8:intervali1800e5:peers0:e")
	if _, err := parseAnnounceResponse(body); err == nil {
		t.Fatal("expected empty peer list error")
	}
}

func TestParseAnnounceResponseOK(t *testing.T) {
	// peers: one compact IPv4 entry.
	body := []byte("d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e")
	resp, err := parseAnnounceResponse(body)
	if err != nil {
		t.Fatalf("parseAnnounceResponse: %v", err)
	}
	if resp.Interval != 1800 || len(resp.Peers) != 1 {
		t.Fatalf("got %+v", resp)
	}
}

func TestBuildAnnounceURL(t *testing.T) {
	var hash, peerID [20]byte
	hash[0] = 0xAB
	peerID[0] = 0xCD

	u, err := buildAnnounceURL(AnnounceParams{
		Announce: "http://tracker.example/announce",
		InfoHash: hash,
		PeerID:   peerID,
		Port:     6887,
		Left:     1000,
		NumWant:  15,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("buildAnnounceURL: %v", err)
	}
	if u == "" {
		t.Fatal("empty url")
	}
}
