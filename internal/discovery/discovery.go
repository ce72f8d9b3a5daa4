package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	serviceType = "_pairline._tcp"
	domain      = "local."
)

// Endpoint is a relay found on the local network.
type Endpoint struct {
	Instance     string    `json:"instance"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Version      string    `json:"version,omitempty"`
	Path         string    `json:"path"`
	AuthRequired bool      `json:"authRequired"`
	LastSeen     time.Time `json:"lastSeen"`
}

// URL is the websocket address of the relay.
func (e Endpoint) URL() string {
	return "ws://" + net.JoinHostPort(e.Address, strconv.Itoa(e.Port)) + e.Path
}

// Advertiser publishes the relay over mDNS.
type Advertiser struct {
	instance     string
	port         int
	txt          []string
	log          *zap.Logger
	server       *zeroconf.Server
	broadcasting bool
	mu           sync.Mutex
}

// NewAdvertiser describes the relay listening on port with its websocket at path.
func NewAdvertiser(instance string, port int, version, path string, authRequired bool, logger *zap.Logger) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{
		instance: instance,
		port:     port,
		txt:      buildTXT(version, path, authRequired),
		log:      logger,
	}
}

// Start registers the service record.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.broadcasting {
		return fmt.Errorf("already broadcasting")
	}
	server, err := zeroconf.Register(a.instance, serviceType, domain, a.port, a.txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	a.server = server
	a.broadcasting = true
	a.log.Info("advertising relay", zap.String("instance", a.instance), zap.Int("port", a.port))
	return nil
}

// Stop withdraws the service record.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.broadcasting = false
		a.log.Info("advertisement stopped")
	}
}

func (a *Advertiser) IsBroadcasting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broadcasting
}

// Browse listens for relay advertisements until ctx ends or timeout elapses and returns
// the endpoints seen, de-duplicated and sorted by instance name.
func Browse(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Endpoint)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			ep, ok := buildEndpoint(entry, time.Now())
			if !ok {
				logger.Debug("discovered entry without address", zap.String("instance", entryInstance(entry)))
				continue
			}
			found[ep.URL()] = ep
			logger.Debug("discovered relay", zap.String("instance", ep.Instance), zap.String("url", ep.URL()))
		}
	}()

	err = resolver.Browse(ctx, serviceType, domain, entries)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		cancel()
		<-done
		return nil, fmt.Errorf("browse: %w", err)
	}
	<-ctx.Done()
	<-done

	out := make([]Endpoint, 0, len(found))
	for _, ep := range found {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].URL() < out[j].URL()
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

// PortFromAddress extracts the numeric port from a listen address such as ":3001".
func PortFromAddress(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}

func buildTXT(version, path string, authRequired bool) []string {
	if path == "" {
		path = "/ws"
	}
	return []string{
		"version=" + version,
		"path=" + path,
		"auth=" + strconv.FormatBool(authRequired),
	}
}

func entryInstance(entry *zeroconf.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	return entry.Instance
}

// buildEndpoint constructs an Endpoint from a zeroconf entry.
func buildEndpoint(entry *zeroconf.ServiceEntry, seen time.Time) (Endpoint, bool) {
	if entry == nil {
		return Endpoint{}, false
	}

	var address string
	switch {
	case len(entry.AddrIPv4) > 0:
		address = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		address = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, false
	}

	txt := parseTXT(entry.Text)
	path := txt["path"]
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return Endpoint{
		Instance:     entry.Instance,
		Address:      address,
		Port:         entry.Port,
		Version:      txt["version"],
		Path:         path,
		AuthRequired: txt["auth"] == "true",
		LastSeen:     seen,
	}, true
}

// parseTXT converts zeroconf TXT records into a key/value map.
func parseTXT(records []string) map[string]string {
	values := make(map[string]string, len(records))
	for _, record := range records {
		if record == "" {
			continue
		}

		if eq := strings.IndexByte(record, '='); eq >= 0 {
			key := strings.TrimSpace(record[:eq])
			value := strings.TrimSpace(record[eq+1:])
			if key != "" {
				values[key] = value
			}
			continue
		}

		values[strings.TrimSpace(record)] = ""
	}
	return values
}
