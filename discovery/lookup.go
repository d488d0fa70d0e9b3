package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Relay is a signaling relay found on the local network.
type Relay struct {
	Instance string
	URL      string
}

// Lookup browses for advertised relays until ctx is done or the scan timeout
// elapses, and returns them sorted by instance name.
func Lookup(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.Version)
				if !ok {
					cfg.Logger.Debug("ignoring relay entry", zap.String("instance", entry.Instance))
					continue
				}
				collectedMu.Lock()
				collected[relay.URL] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	relays := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Instance == relays[j].Instance {
			return relays[i].URL < relays[j].URL
		}
		return relays[i].Instance < relays[j].Instance
	})
	return relays, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, version int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	if raw := txt["version"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed != version {
			return Relay{}, false
		}
	}
	if entry.Port <= 0 {
		return Relay{}, false
	}

	var host string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && !ip.IsUnspecified() {
			host = ip.String()
			break
		}
	}
	if host == "" {
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return Relay{}, false
	}

	path := txt["path"]
	if !strings.HasPrefix(path, "/") {
		path = DefaultPath
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Path:   path,
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = host
	}
	return Relay{Instance: name, URL: strings.TrimSuffix(u.String(), "/")}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
