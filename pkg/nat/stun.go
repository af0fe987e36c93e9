// Package nat is the rendezvous-side collaborator: discovering this
// host's reflexive (public) address via STUN and keeping the resulting
// NAT binding alive while the human-copyable exchange code is shared
// out-of-band. The actual hole-punched transport is owned by
// pkg/network once both peers know each other's address.
package nat

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client discovers a host's public UDP address by querying a list of
// STUN servers in order.
type Client struct {
	servers []string
}

// NewClient returns a Client that queries servers in order, falling back
// to the next on failure.
func NewClient(servers []string) *Client {
	if len(servers) == 0 {
		servers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
	}
	return &Client{servers: servers}
}

// Discover binds a UDP socket on localPort and returns it along with the
// reflexive address a STUN server observed for it. The caller owns the
// returned socket and must close it; network.Handler does not take it
// over but binds its own socket to the same local address.
func (c *Client) Discover(localPort int) (*net.UDPConn, *net.UDPAddr, error) {
	localAddr := &net.UDPAddr{Port: localPort}
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("binding local socket: %w", err)
	}

	var lastErr error
	for _, server := range c.servers {
		addr, err := c.query(conn, server)
		if err == nil {
			return conn, addr, nil
		}
		lastErr = err
	}
	conn.Close()
	return nil, nil, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

// DiscoverPublicAddress is a one-shot convenience wrapper around Discover
// for callers that only need the reflexive address, such as NATDetector's
// probing: it binds a throwaway socket, queries the configured servers,
// and closes the socket before returning.
func (c *Client) DiscoverPublicAddress(localPort int) (*net.UDPAddr, error) {
	conn, addr, err := c.Discover(localPort)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return addr, nil
}

// KeepAlive pings the first configured STUN server every interval until
// ctx is canceled, to keep the NAT binding open while the exchange code
// is being copied between peers.
func (c *Client) KeepAlive(ctx context.Context, conn *net.UDPConn, interval time.Duration) {
	if len(c.servers) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.query(conn, c.servers[0])
		}
	}
}

func (c *Client) query(conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, err
	}

	request := bindingRequest()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.WriteToUDP(request, serverAddr); err != nil {
		return nil, err
	}

	response := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(response)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return parseBindingResponse(response[:n])
}

func bindingRequest() []byte {
	txID := make([]byte, 12)
	for i := range txID {
		txID[i] = byte(time.Now().UnixNano() >> uint(i))
	}
	req := make([]byte, 20)
	req[0], req[1] = 0x00, 0x01 // Binding Request
	req[2], req[3] = 0x00, 0x00 // Message Length
	req[4], req[5], req[6], req[7] = 0x21, 0x12, 0xA4, 0x42 // Magic Cookie
	copy(req[8:], txID)
	return req
}

func parseBindingResponse(data []byte) (*net.UDPAddr, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("response too short")
	}
	if data[0] != 0x01 || data[1] != 0x01 {
		return nil, fmt.Errorf("not a binding success response")
	}

	offset := 20
	for offset+4 <= len(data) {
		attrType := uint16(data[offset])<<8 | uint16(data[offset+1])
		attrLen := int(uint16(data[offset+2])<<8 | uint16(data[offset+3]))
		offset += 4
		if offset+attrLen > len(data) {
			break
		}

		if attrType == 0x0020 || attrType == 0x0001 {
			return parseMappedAddress(data[offset:offset+attrLen], attrType == 0x0020)
		}

		offset += attrLen
		if attrLen%4 != 0 {
			offset += 4 - attrLen%4
		}
	}
	return nil, fmt.Errorf("no mapped address in response")
}

func parseMappedAddress(data []byte, isXOR bool) (*net.UDPAddr, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("address attribute too short")
	}
	family := data[1]
	port := uint16(data[2])<<8 | uint16(data[3])
	if isXOR {
		port ^= 0x2112
	}

	if family != 0x01 {
		return nil, fmt.Errorf("unsupported address family: %d", family)
	}
	ip := net.IPv4(data[4], data[5], data[6], data[7])
	if isXOR {
		ip[12] ^= 0x21
		ip[13] ^= 0x12
		ip[14] ^= 0xA4
		ip[15] ^= 0x42
	}

	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
