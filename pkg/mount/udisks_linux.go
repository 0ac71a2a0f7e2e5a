//go:build linux

package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/isoflash/isoflash/pkg/device"
)

const (
	udisksDest       = "org.freedesktop.UDisks2"
	udisksBlockPath  = "/org/freedesktop/UDisks2/block_devices/"
	udisksFilesystem = "org.freedesktop.UDisks2.Filesystem"
	udisksBlock      = "org.freedesktop.UDisks2.Block"
	udisksDrive      = "org.freedesktop.UDisks2.Drive"
)

// udisksClient unmounts and powers off drives without root via UDisks2.
type udisksClient struct {
	conn *dbus.Conn
}

func newUDisksClient() (*udisksClient, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &udisksClient{conn: conn}, nil
}

func blockObjectPath(devicePath string) dbus.ObjectPath {
	name := strings.ReplaceAll(filepath.Base(devicePath), "-", "_2d")
	return dbus.ObjectPath(udisksBlockPath + name)
}

func (c *udisksClient) Unmount(ctx context.Context, devicePath string) error {
	obj := c.conn.Object(udisksDest, blockObjectPath(devicePath))
	options := map[string]dbus.Variant{}
	if err := obj.CallWithContext(ctx, udisksFilesystem+".Unmount", 0, options).Store(); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", devicePath, err)
	}
	return nil
}

func (c *udisksClient) PowerOff(ctx context.Context, diskPath string) error {
	block := c.conn.Object(udisksDest, blockObjectPath(device.BaseDisk(diskPath)))

	prop, err := block.GetProperty(udisksBlock + ".Drive")
	if err != nil {
		return fmt.Errorf("failed to resolve drive: %w", err)
	}
	drivePath, ok := prop.Value().(dbus.ObjectPath)
	if !ok || drivePath == "/" {
		return fmt.Errorf("no drive behind %s", diskPath)
	}

	drive := c.conn.Object(udisksDest, drivePath)
	options := map[string]dbus.Variant{}
	if err := drive.CallWithContext(ctx, udisksDrive+".PowerOff", 0, options).Store(); err != nil {
		return fmt.Errorf("failed to power off %s: %w", diskPath, err)
	}
	return nil
}

func (c *udisksClient) Close() error {
	return c.conn.Close()
}
