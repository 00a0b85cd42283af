package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/mdns"
)

const mdnsServiceType = "_http._tcp"

// runMDNS advertises the HTTP surface as instance._http._tcp.local. until
// ctx is canceled.
func runMDNS(ctx context.Context, instance string, port int, logger *slog.Logger) error {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("mdns hostname: %w", err)
	}
	host = strings.TrimSuffix(host, ".local")

	ips, err := advertisedIPs()
	if err != nil {
		return err
	}

	service, err := mdns.NewMDNSService(instance, mdnsServiceType, "", host+".local.", port, ips, []string{"path=/"})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	logger.Info("mDNS advertising", "instance", instance, "service", mdnsServiceType, "port", port, "ips", len(ips))

	<-ctx.Done()
	if err := server.Shutdown(); err != nil {
		return fmt.Errorf("mdns shutdown: %w", err)
	}
	logger.Debug("mDNS stopped")
	return nil
}

// advertisedIPs lists the non-loopback unicast addresses of this host.
func advertisedIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	var ips []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable interface address to advertise")
	}
	return ips, nil
}

// listenPort extracts the TCP port from a listener address.
func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
