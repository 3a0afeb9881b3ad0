// Package netinfo reads platform network facts: the default gateway for
// the statistics snapshot and interface details for status reporting.
package netinfo

import (
	"fmt"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/keapin/keapin/types"
)

// InterfaceInfo describes the serving interface.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	Driver    string   `json:"driver,omitempty"`
	LinkUp    bool     `json:"link_up"`
}

// NetInfo is the interface for keapin to read local network
// configuration.
type NetInfo interface {
	DefaultGateway() (types.IP, error)
	InterfaceInfo(name string) (*InterfaceInfo, error)
}

// Netlink is the NetInfo implementation backed by rtnetlink and
// ethtool.
type Netlink struct {
	logger *zap.Logger
}

// New is
func New(logger *zap.Logger) NetInfo {
	return &Netlink{logger: logger}
}

// DefaultGateway returns the gateway of the IPv4 default route.
func (n *Netlink) DefaultGateway() (types.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return types.IP(route.Gw.To4()), nil
		}
	}
	return nil, fmt.Errorf("no default route found")
}

// InterfaceInfo returns addresses and link facts for the named
// interface. Driver and link state are best effort; ethtool needs
// capabilities not every deployment grants.
func (n *Netlink) InterfaceInfo(name string) (*InterfaceInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}

	info := &InterfaceInfo{Name: name}
	for _, addr := range addrs {
		info.Addresses = append(info.Addresses, addr.IPNet.String())
	}

	et, err := ethtool.NewEthtool()
	if err != nil {
		n.logger.Debug("ethtool unavailable", zap.Error(err))
		return info, nil
	}
	defer et.Close()

	if driver, err := et.DriverName(name); err == nil {
		info.Driver = driver
	}
	if state, err := et.LinkState(name); err == nil {
		info.LinkUp = state != 0
	}
	return info, nil
}
