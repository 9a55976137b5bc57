// Package discovery announces the doser on the LAN over mDNS and finds it again
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// Service defaults
const (
	DefaultServiceType = "_nutrient-doser._tcp"
	DefaultHostName    = "nutrient-doser"
	DefaultDomain      = "local."
)

// AdvertiserConfig represents mDNS advertiser configuration
type AdvertiserConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	ServiceType string            `yaml:"service_type"`
	Domain      string            `yaml:"domain"`
	Port        int               `yaml:"port"`
	HostName    string            `yaml:"hostname"`
	TXTRecords  map[string]string `yaml:"txt_records"`
	Interface   string            `yaml:"interface"`
}

// DefaultAdvertiserConfig returns default advertiser configuration
func DefaultAdvertiserConfig() *AdvertiserConfig {
	return &AdvertiserConfig{
		Enabled:     true,
		ServiceName: DefaultHostName,
		ServiceType: DefaultServiceType,
		Domain:      DefaultDomain,
		Port:        8080,
		HostName:    DefaultHostName,
		TXTRecords:  map[string]string{},
	}
}

// Advertiser announces the doser API via mDNS
type Advertiser struct {
	config  *AdvertiserConfig
	logger  *logrus.Entry
	mu      sync.Mutex
	server  *mdns.Server
	stopped chan struct{}
}

// NewAdvertiser creates a new mDNS advertiser
func NewAdvertiser(config *AdvertiserConfig, logger logrus.FieldLogger) *Advertiser {
	if config == nil {
		config = DefaultAdvertiserConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Advertiser{
		config: config,
		logger: logger.WithField("component", "mdns-advertiser"),
	}
}

// Start begins answering mDNS queries. The advertiser stops when ctx is done.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return fmt.Errorf("advertiser is already running")
	}

	ip, err := primaryIP(a.config.Interface)
	if err != nil {
		return fmt.Errorf("failed to get primary IP: %w", err)
	}

	txt := txtRecords(a.config.TXTRecords)
	service, err := mdns.NewMDNSService(
		a.config.ServiceName,
		a.config.ServiceType,
		a.config.Domain,
		hostFQDN(a.config.HostName, a.config.Domain),
		a.config.Port,
		[]net.IP{ip},
		txt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	mcfg := &mdns.Config{Zone: service}
	if a.config.Interface != "" {
		iface, err := net.InterfaceByName(a.config.Interface)
		if err != nil {
			return fmt.Errorf("interface %s not found: %w", a.config.Interface, err)
		}
		mcfg.Iface = iface
	}

	server, err := mdns.NewServer(mcfg)
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	a.server = server
	a.stopped = make(chan struct{})

	a.logger.WithFields(logrus.Fields{
		"service_name": a.config.ServiceName,
		"service_type": a.config.ServiceType,
		"hostname":     a.config.HostName,
		"port":         a.config.Port,
		"ip_address":   ip.String(),
	}).Info("Started mDNS advertising")

	go func(stopped chan struct{}) {
		select {
		case <-ctx.Done():
			if err := a.Stop(); err != nil {
				a.logger.WithError(err).Error("Failed to stop advertiser")
			}
		case <-stopped:
		}
	}(a.stopped)

	return nil
}

// Stop withdraws the advertisement
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return nil
	}
	close(a.stopped)
	err := a.server.Shutdown()
	a.server = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown mDNS server: %w", err)
	}

	a.logger.Info("Stopped mDNS advertising")
	return nil
}

// IsRunning returns whether the advertiser is currently running
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// txtRecords renders key=value pairs in a stable order
func txtRecords(records map[string]string) []string {
	out := make([]string, 0, len(records))
	for key, value := range records {
		if value != "" {
			out = append(out, key+"="+value)
		} else {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func hostFQDN(host, domain string) string {
	if host == "" {
		return ""
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("%s.%s.", host, strings.TrimSuffix(domain, "."))
}

// primaryIP picks an IPv4 address, preferring private ranges
func primaryIP(ifaceName string) (net.IP, error) {
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("interface %s not found: %w", ifaceName, err)
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to get addresses for interface %s: %w", ifaceName, err)
		}
		if ip := pickIPv4(addrs); ip != nil {
			return ip, nil
		}
		return nil, fmt.Errorf("no IPv4 address found on interface %s", ifaceName)
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addrs []net.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, ifAddrs...)
	}

	if ip := pickIPv4(addrs); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("no suitable IP address found")
}

func pickIPv4(addrs []net.Addr) net.IP {
	var candidates []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		candidates = append(candidates, ip)
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, ip := range candidates {
		if ip.IsPrivate() {
			return ip
		}
	}
	return candidates[0]
}
