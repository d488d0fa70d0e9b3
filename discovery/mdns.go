package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_flashtransfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each lookup.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the HTTP base path advertised for the relay API.
	DefaultPath = "/"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls relay advertisement and lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// Instance and Port identify the advertised relay.
	Instance string
	Port     int
	Path     string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("relay path %q must start with /", c.Path)
	}
	return nil
}

// Broadcaster advertises a signaling relay via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
	logger *zap.Logger
}

// StartBroadcaster registers and starts mDNS advertisement of a relay.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("advertising relay",
		zap.String("instance", cfg.Instance),
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.Port))
	return &Broadcaster{server: server, logger: cfg.Logger}, nil
}

// Stop stops mDNS advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.logger.Info("relay advertisement stopped")
}
