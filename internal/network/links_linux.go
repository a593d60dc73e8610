//go:build linux

package network

import (
	"errors"

	"github.com/vishvananda/netlink"
)

// NetlinkLinks manages host links over rtnetlink.
type NetlinkLinks struct{}

func (NetlinkLinks) Names() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

// CreateTap creates a persistent tap device owned by uid/gid, equivalent to
// `ip tuntap add dev <name> mode tap user <uid> group <gid>`.
func (NetlinkLinks) CreateTap(name string, uid, gid int) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI,
		Owner:     uint32(uid),
		Group:     uint32(gid),
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return err
	}
	// The device is persistent, the queue fds are not needed.
	for _, f := range tap.Fds {
		_ = f.Close()
	}
	return nil
}

func (NetlinkLinks) SetMaster(name, bridge string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return err
	}
	return netlink.LinkSetMaster(link, master)
}

func (NetlinkLinks) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (NetlinkLinks) Delete(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}
