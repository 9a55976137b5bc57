package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultLookupTimeout bounds a single browse
const DefaultLookupTimeout = 3 * time.Second

// Instance is a doser found on the network
type Instance struct {
	Name       string            `json:"name"`
	Host       string            `json:"host"`
	IPAddress  string            `json:"ip_address"`
	Port       int               `json:"port"`
	TXTRecords map[string]string `json:"txt_records"`
}

// URL returns the base URL of the instance API
func (i Instance) URL() string {
	host := i.IPAddress
	if host == "" {
		host = strings.TrimSuffix(i.Host, ".")
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(i.Port))
}

// Lookup browses for serviceType and returns every instance that answered
// before the timeout or ctx expired
func Lookup(ctx context.Context, serviceType string, timeout time.Duration) ([]Instance, error) {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan error, 1)
	go func() {
		defer close(entries)
		done <- mdns.Query(&mdns.QueryParam{
			Service:     serviceType,
			Domain:      DefaultDomain,
			Timeout:     timeout,
			Entries:     entries,
			DisableIPv6: true,
		})
	}()

	seen := make(map[string]bool)
	var found []Instance
	for entry := range entries {
		if !strings.Contains(entry.Name, serviceType) {
			continue
		}
		inst := fromEntry(entry)
		if seen[inst.Name] {
			continue
		}
		seen[inst.Name] = true
		found = append(found, inst)
	}

	if err := <-done; err != nil {
		return found, fmt.Errorf("mDNS query for %s failed: %w", serviceType, err)
	}
	return found, ctx.Err()
}

func fromEntry(e *mdns.ServiceEntry) Instance {
	inst := Instance{
		Name:       e.Name,
		Host:       e.Host,
		Port:       e.Port,
		TXTRecords: parseTXT(e.InfoFields),
	}
	if e.AddrV4 != nil {
		inst.IPAddress = e.AddrV4.String()
	}
	return inst
}

// parseTXT splits key=value fields; bare keys map to ""
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, _ := strings.Cut(f, "=")
		if key != "" {
			out[key] = value
		}
	}
	return out
}
