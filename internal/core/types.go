package core

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Peer is a node as reported by the online-nodes directory.
type Peer struct {
	Address string `json:"dnAddress" mapstructure:"dnAddress"`
	IP      string `json:"ipAddress" mapstructure:"ipAddress"`
	Port    int    `json:"port" mapstructure:"port"`
}

func (p Peer) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(p.IP)
	if ip == nil {
		addrs, err := net.LookupIP(p.IP)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolve peer %s: %w", p.IP, err)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: p.Port}, nil
}

// Multiaddr renders the peer endpoint as /ip4|ip6/<ip>/udp/<port>.
func (p Peer) Multiaddr() (multiaddr.Multiaddr, error) {
	proto := "ip4"
	if ip := net.ParseIP(p.IP); ip != nil && ip.To4() == nil {
		proto = "ip6"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d", proto, p.IP, p.Port))
}

// PeerFromAddr builds an anonymous peer for replying to a datagram source.
func PeerFromAddr(addr net.Addr) Peer {
	if u, ok := addr.(*net.UDPAddr); ok {
		return Peer{IP: u.IP.String(), Port: u.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Peer{IP: addr.String()}
	}
	n, _ := strconv.Atoi(port)
	return Peer{IP: host, Port: n}
}

func (p Peer) String() string {
	return p.Address + "@" + net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// FileRecord is one entry of the local file index.
type FileRecord struct {
	Name       string    `json:"-"`
	UploadTime time.Time `json:"UploadTime"`
	Size       int64     `json:"Size"`
	SHA256     string    `json:"SHA256"`
}
