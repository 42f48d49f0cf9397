package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"bioreactor/internal/command"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

// UDPSink sends each snapshot as one JSON datagram, for panel displays on
// the local network. A broadcast address works as dest.
type UDPSink struct {
	dest   string
	device string
	conn   udpConn
}

func NewUDPSink(dest, device string) (*UDPSink, error) {
	return newUDPSink(dest, device, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDPSink(dest, device string, resolve resolveFunc, dial dialFunc) (*UDPSink, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resolve udp dest %s: %w", dest, err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: dial udp %s: %w", dest, err)
	}
	return &UDPSink{dest: dest, device: device, conn: conn}, nil
}

func (u *UDPSink) Name() string { return "udp" }

func (u *UDPSink) Publish(_ context.Context, t command.Telemetry) error {
	b, err := json.Marshal(Record{Device: u.device, Timestamp: now().UnixMilli(), Values: t})
	if err != nil {
		return fmt.Errorf("telemetry: encode udp datagram: %w", err)
	}
	if _, err := u.conn.Write(b); err != nil {
		return fmt.Errorf("telemetry: udp send to %s: %w", u.dest, err)
	}
	return nil
}

func (u *UDPSink) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}
