package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_landrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleAfter is how long a device stays listed without a fresh
	// advertisement before it is considered lost.
	DefaultStaleAfter = 30 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls mDNS advertising and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	SelfStableID  string
	DeviceName    string
	ListeningPort int

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
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfStableID) == "" {
		return errors.New("self stable ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfStableID) == "" {
		return errors.New("self stable ID is required")
	}
	return nil
}

// Advertiser announces local device presence via mDNS so other devices can
// discover and dial this device's transfer server.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers and starts the mDNS advertisement.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"stable_id=" + cfg.SelfStableID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop stops the mDNS advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// LAN couples the advertiser and the scanner into one Provider: each device
// both advertises itself and resolves others, acting as transfer server and
// client at once.
type LAN struct {
	advertiser *Advertiser
	scanner    *Scanner
}

// StartLAN starts advertising and scanning with one config.
func StartLAN(config Config) (*LAN, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &LAN{advertiser: advertiser, scanner: scanner}, nil
}

// Events implements Provider.
func (l *LAN) Events() <-chan Event {
	return l.scanner.Events()
}

// ListDevices returns the current discovered-device snapshot.
func (l *LAN) ListDevices() []Announcement {
	return l.scanner.ListDevices()
}

// Stop stops scanning and advertising.
func (l *LAN) Stop() {
	if l == nil {
		return
	}
	if l.scanner != nil {
		l.scanner.Stop()
	}
	if l.advertiser != nil {
		l.advertiser.Stop()
	}
}
