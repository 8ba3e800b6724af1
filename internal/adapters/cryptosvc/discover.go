package cryptosvc

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

// ServiceType is the DNS-SD type the encryption service advertises.
const ServiceType = "_voice-e2ee._tcp"

// Discover browses the local network and returns the first service address found.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("encryption service not found: %w", ctx.Err())
		case entry := <-entries:
			if entry == nil {
				continue
			}
			var ip net.IP
			switch {
			case len(entry.AddrIPv4) > 0:
				ip = entry.AddrIPv4[0]
			case len(entry.AddrIPv6) > 0:
				ip = entry.AddrIPv6[0]
			default:
				continue
			}
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
			log.Info().Str("module", "cryptosvc").Str("instance", entry.Instance).Str("addr", addr).Msg("discovered encryption service")
			return addr, nil
		}
	}
}
