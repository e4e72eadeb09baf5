package netio

import (
	"net"
	"os"
)

// LocalIP returns the primary outbound IPv4 address of this host. It opens a
// UDP socket toward a public address without sending anything; the kernel
// picks the route and with it the local address.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Hostname returns the machine hostname, or a placeholder when unavailable.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
