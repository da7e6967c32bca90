package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfPeerID:    "peer-123",
		DeviceName:    "Alice Laptop",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "name=Alice Laptop")
	assertNotContainsTXTPrefix(t, gotTXT, "device_id=")
}

func TestStartBroadcasterRequiresPort(t *testing.T) {
	_, err := StartBroadcaster(Config{SelfPeerID: "self", DeviceName: "Self"})
	if err == nil {
		t.Fatalf("expected missing port to be rejected")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{RefreshInterval: 10 * time.Second}.withDefaults()
	if cfg.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, cfg.TTL)
	}
	if cfg.RefreshInterval != 10*time.Second {
		t.Fatalf("expected explicit refresh interval to survive, got %s", cfg.RefreshInterval)
	}
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain || cfg.Version != DefaultVersion {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseEntryOrdersAddressesAndFlagsPeer(t *testing.T) {
	entry := testServiceEntry("peer-1", "Bob (2)", 9001, "fd00::9", "10.0.0.9", "fe80::1", "10.0.0.2", "10.0.0.2")
	entry.Text = append(entry.Text, "name=Bob")
	cfg := Config{SelfPeerID: "self", isPaired: func(peerID string) bool { return peerID == "peer-1" }}.withDefaults()

	peer, ok := parseEntry(entry, cfg)
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	want := []string{"10.0.0.2", "10.0.0.9", "fd00::9"}
	if len(peer.Addresses) != len(want) {
		t.Fatalf("expected addresses %v, got %v", want, peer.Addresses)
	}
	for i := range want {
		if peer.Addresses[i] != want[i] {
			t.Fatalf("expected addresses %v, got %v", want, peer.Addresses)
		}
	}
	if peer.DeviceName != "Bob" {
		t.Fatalf("expected TXT name to win over the instance, got %q", peer.DeviceName)
	}
	if !peer.Paired || !peer.Compatible {
		t.Fatalf("expected paired compatible peer, got %+v", peer)
	}
	if endpoint, ok := peer.Endpoint(); !ok || endpoint != "10.0.0.2:9001" {
		t.Fatalf("unexpected endpoint %q ok=%t", endpoint, ok)
	}

	if _, ok := parseEntry(testServiceEntry("self", "Self", 9999, "10.0.0.1"), cfg); ok {
		t.Fatalf("expected own advertisement to be skipped")
	}
}

func TestParseEntryMarksNewerProtocolIncompatible(t *testing.T) {
	entry := testServiceEntry("peer-2", "Carol", 9002, "fe80::2")
	entry.Text = []string{"peer_id=peer-2", "version=99"}

	peer, ok := parseEntry(entry, Config{SelfPeerID: "self"}.withDefaults())
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.Compatible || peer.Paired {
		t.Fatalf("expected unpaired incompatible peer, got %+v", peer)
	}
	if _, ok := peer.Endpoint(); ok {
		t.Fatalf("expected no endpoint for a link-local only peer")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func assertNotContainsTXTPrefix(t *testing.T, txt []string, prefix string) {
	t.Helper()
	for _, value := range txt {
		if len(value) >= len(prefix) && value[:len(prefix)] == prefix {
			t.Fatalf("unexpected TXT prefix %q found in %v", prefix, txt)
		}
	}
}
