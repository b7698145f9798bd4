package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// GATT endpoints of the mower, from the decompiled vendor app.
const (
	ServiceUUID    = "0000ff12-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ff01-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"
)

const (
	bluezBus    = "org.bluez"
	adapterPath = dbus.ObjectPath("/org/bluez/hci0")

	ifaceAdapter = "org.bluez.Adapter1"
	ifaceDevice  = "org.bluez.Device1"
	ifaceGattSvc = "org.bluez.GattService1"
	ifaceGattChr = "org.bluez.GattCharacteristic1"
	ifaceProps   = "org.freedesktop.DBus.Properties"
)

// bluezGatt drives one peripheral through BlueZ's D-Bus API.
type bluezGatt struct {
	conn *dbus.Conn

	devicePath dbus.ObjectPath
	writeChar  dbus.ObjectPath
	notifyChar dbus.ObjectPath

	signals       chan *dbus.Signal
	notifications chan []byte
	disconnects   chan error
	stop          chan struct{}
	stopOnce      sync.Once
	discOnce      sync.Once
	logger        *zap.Logger
}

func newBluezGatt() (*bluezGatt, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	return &bluezGatt{
		conn:          conn,
		signals:       make(chan *dbus.Signal, 64),
		notifications: make(chan []byte, 64),
		disconnects:   make(chan error, 1),
		stop:          make(chan struct{}),
		logger:        zap.L(),
	}, nil
}

func (g *bluezGatt) Connect(ctx context.Context, address string) error {
	g.devicePath = devicePathFor(address)
	dev := g.conn.Object(bluezBus, g.devicePath)

	if !g.deviceKnown() {
		if err := g.discover(ctx); err != nil {
			return errors.Join(ErrDeviceUnreachable, err)
		}
	}
	if err := dev.CallWithContext(ctx, ifaceDevice+".Connect", 0).Err; err != nil {
		return errors.Join(ErrDeviceUnreachable, err)
	}
	if err := g.waitServicesResolved(ctx); err != nil {
		return errors.Join(ErrDeviceUnreachable, err)
	}
	return nil
}

// deviceKnown reports whether BlueZ already has an object for the device;
// if not, a discovery scan is needed before Connect can address it.
func (g *bluezGatt) deviceKnown() bool {
	dev := g.conn.Object(bluezBus, g.devicePath)
	_, err := dev.GetProperty(ifaceDevice + ".Address")
	return err == nil
}

func (g *bluezGatt) discover(ctx context.Context) error {
	adapter := g.conn.Object(bluezBus, adapterPath)
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return err
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return err
	}
	g.logger.Debug("scanning for device", zap.String("path", string(g.devicePath)))
	defer func() {
		_ = adapter.Call(ifaceAdapter+".StopDiscovery", 0).Err
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.deviceKnown() {
				return nil
			}
		}
	}
}

func (g *bluezGatt) waitServicesResolved(ctx context.Context) error {
	dev := g.conn.Object(bluezBus, g.devicePath)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := dev.GetProperty(ifaceDevice + ".ServicesResolved")
		if err == nil {
			if resolved, ok := v.Value().(bool); ok && resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResolveService walks BlueZ's object tree for the device and pins the
// write and notify characteristic paths. Absence of the expected UUIDs
// means the address points at some other kind of device.
func (g *bluezGatt) ResolveService(ctx context.Context, serviceUUID, writeUUID, notifyUUID string) error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	root := g.conn.Object(bluezBus, "/")
	if err := root.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return errors.Join(ErrServiceMismatch, err)
	}

	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		svc, ok := ifaces[ifaceGattSvc]
		if !ok || !strings.HasPrefix(string(path), string(g.devicePath)) {
			continue
		}
		if uuid, ok := svc["UUID"].Value().(string); ok && strings.EqualFold(uuid, serviceUUID) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return fmt.Errorf("%w: service %s not found on %s", ErrServiceMismatch, serviceUUID, g.devicePath)
	}

	for path, ifaces := range objects {
		chr, ok := ifaces[ifaceGattChr]
		if !ok || !strings.HasPrefix(string(path), string(servicePath)) {
			continue
		}
		uuid, _ := chr["UUID"].Value().(string)
		switch {
		case strings.EqualFold(uuid, writeUUID):
			g.writeChar = path
		case strings.EqualFold(uuid, notifyUUID):
			g.notifyChar = path
		}
	}
	if g.writeChar == "" || g.notifyChar == "" {
		return fmt.Errorf("%w: characteristics missing under %s", ErrServiceMismatch, servicePath)
	}
	return nil
}

// Subscribe starts notifications and begins watching PropertiesChanged
// signals for inbound values and for the device's Connected flag.
func (g *bluezGatt) Subscribe(ctx context.Context) error {
	for _, path := range []dbus.ObjectPath{g.notifyChar, g.devicePath} {
		if err := g.conn.AddMatchSignal(
			dbus.WithMatchInterface(ifaceProps),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(path),
		); err != nil {
			return errors.Join(ErrSubscriptionFailed, err)
		}
	}
	g.conn.Signal(g.signals)
	go g.watch()

	chr := g.conn.Object(bluezBus, g.notifyChar)
	if err := chr.CallWithContext(ctx, ifaceGattChr+".StartNotify", 0).Err; err != nil {
		return errors.Join(ErrSubscriptionFailed, err)
	}
	return nil
}

func (g *bluezGatt) Write(data []byte) error {
	chr := g.conn.Object(bluezBus, g.writeChar)
	options := map[string]dbus.Variant{
		"type": dbus.MakeVariant("command"), // write without response
	}
	return chr.Call(ifaceGattChr+".WriteValue", 0, data, options).Err
}

func (g *bluezGatt) Notifications() <-chan []byte {
	return g.notifications
}

func (g *bluezGatt) Disconnects() <-chan error {
	return g.disconnects
}

func (g *bluezGatt) watch() {
	for {
		select {
		case <-g.stop:
			return
		case sig, ok := <-g.signals:
			if !ok {
				return
			}
			if sig == nil || sig.Name != ifaceProps+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			switch {
			case sig.Path == g.notifyChar && iface == ifaceGattChr:
				if v, ok := changed["Value"]; ok {
					if data, ok := v.Value().([]byte); ok {
						g.deliver(data)
					}
				}
			case sig.Path == g.devicePath && iface == ifaceDevice:
				if v, ok := changed["Connected"]; ok {
					if connected, ok := v.Value().(bool); ok && !connected {
						g.discOnce.Do(func() {
							g.disconnects <- errors.New("peripheral disconnected")
						})
					}
				}
			}
		}
	}
}

func (g *bluezGatt) deliver(data []byte) {
	payload := append([]byte(nil), data...)
	select {
	case g.notifications <- payload:
	case <-g.stop:
	}
}

// Close releases the subscription and the link. Best effort on the BlueZ
// side: the bus connection is always torn down.
func (g *bluezGatt) Close() error {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.notifyChar != "" {
			_ = g.conn.Object(bluezBus, g.notifyChar).Call(ifaceGattChr+".StopNotify", 0).Err
		}
		if g.devicePath != "" {
			_ = g.conn.Object(bluezBus, g.devicePath).Call(ifaceDevice+".Disconnect", 0).Err
		}
	})
	return g.conn.Close()
}

func devicePathFor(address string) dbus.ObjectPath {
	sanitized := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + sanitized)
}
