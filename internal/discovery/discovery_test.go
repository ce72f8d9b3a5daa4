package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"version=0.3.0", " path = /ws ", "flag", "", "=orphan"})
	if got["version"] != "0.3.0" || got["path"] != "/ws" {
		t.Fatalf("unexpected values: %v", got)
	}
	if _, ok := got["flag"]; !ok {
		t.Fatal("bare key should be present")
	}
	if _, ok := got[""]; ok {
		t.Fatal("empty key should be skipped")
	}
}

func TestBuildEndpoint(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay-1", serviceType, domain)
	entry.Port = 3001
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = buildTXT("0.3.0", "signal", true)

	seen := time.Unix(1700000000, 0)
	ep, ok := buildEndpoint(entry, seen)
	if !ok {
		t.Fatal("expected endpoint")
	}
	if ep.URL() != "ws://192.168.1.20:3001/signal" {
		t.Fatalf("unexpected url %s", ep.URL())
	}
	if !ep.AuthRequired || ep.Version != "0.3.0" || !ep.LastSeen.Equal(seen) {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}

func TestBuildEndpointIPv6AndMissingAddress(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay-6", serviceType, domain)
	entry.Port = 3001
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	ep, ok := buildEndpoint(entry, time.Now())
	if !ok {
		t.Fatal("expected endpoint")
	}
	if ep.URL() != "ws://[fe80::1]:3001/ws" {
		t.Fatalf("unexpected url %s", ep.URL())
	}

	bare := zeroconf.NewServiceEntry("relay-x", serviceType, domain)
	if _, ok := buildEndpoint(bare, time.Now()); ok {
		t.Fatal("entry without address should be skipped")
	}
	if _, ok := buildEndpoint(nil, time.Now()); ok {
		t.Fatal("nil entry should be skipped")
	}
}

func TestPortFromAddress(t *testing.T) {
	cases := map[string]int{":3001": 3001, "0.0.0.0:8080": 8080, "[::]:9000": 9000}
	for addr, want := range cases {
		got, err := PortFromAddress(addr)
		if err != nil || got != want {
			t.Fatalf("%s: got %d, %v", addr, got, err)
		}
	}
	for _, bad := range []string{"3001", ":http", ":0"} {
		if _, err := PortFromAddress(bad); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}

func TestAdvertiserStopWithoutStart(t *testing.T) {
	a := NewAdvertiser("relay", 3001, "0.3.0", "/ws", false, nil)
	a.Stop()
	if a.IsBroadcasting() {
		t.Fatal("advertiser should not be broadcasting")
	}
}
