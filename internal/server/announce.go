package server

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/mdns"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/pkg/errors"
)

// announce advertises the listening endpoint over mDNS until the returned
// func is called. Loopback endpoints are not announced.
func announce(service string, addr *net.TCPAddr, generation uint64) (func(), error) {
	if addr.IP.IsLoopback() {
		obs.Debug("mdns.skip", obs.Fields{"reason": "loopback", "addr": addr.String()})
		return func() {}, nil
	}
	host, _ := os.Hostname()
	var ips []net.IP
	if !addr.IP.IsUnspecified() {
		ips = []net.IP{addr.IP}
	}
	txt := []string{
		"generation=" + strconv.FormatUint(generation, 10),
		"pid=" + strconv.Itoa(os.Getpid()),
	}
	svc, err := mdns.NewMDNSService(fmt.Sprintf("hotproxy-%d", addr.Port), service, "local.", "", addr.Port, ips, txt)
	if err != nil {
		return nil, errors.Wrap(err, "mdns: service")
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, errors.Wrap(err, "mdns: server")
	}
	obs.Info("mdns.announce", obs.Fields{"service": service, "port": addr.Port, "host": host})
	return func() { _ = srv.Shutdown() }, nil
}
