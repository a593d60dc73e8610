//go:build !linux

package network

import (
	"fmt"
	"runtime"
)

type NetlinkLinks struct{}

func unsupported() error {
	return fmt.Errorf("tap devices are linux-only, current OS is %s", runtime.GOOS)
}

func (NetlinkLinks) Names() ([]string, error)                 { return nil, unsupported() }
func (NetlinkLinks) CreateTap(name string, uid, gid int) error { return unsupported() }
func (NetlinkLinks) SetMaster(name, bridge string) error       { return unsupported() }
func (NetlinkLinks) SetUp(name string) error                   { return unsupported() }
func (NetlinkLinks) Delete(name string) error                  { return unsupported() }
