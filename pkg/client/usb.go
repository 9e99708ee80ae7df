package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// Bridge USB identifiers.
	VendorID  = 0x04B4
	ProductID = 0x00F1

	// EndpointIN carries the to-host stream.
	EndpointIN = 0x81

	DefaultTimeout = 5 * time.Second
)

// USBTransport is a bridge opened through libusb.
type USBTransport struct {
	ctx *gousb.Context
	dev *gousb.Device

	mu   sync.Mutex
	intf *gousb.Interface
	done func()
	epIn *gousb.InEndpoint

	vid uint16
	pid uint16
}

// Open finds the first device with vid:pid.
func Open(vid, pid uint16) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("client: usb: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("client: device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Not supported on every platform; control transfers work without it.
	_ = dev.SetAutoDetach(true)
	dev.ControlTimeout = DefaultTimeout

	return &USBTransport{ctx: ctx, dev: dev, vid: vid, pid: pid}, nil
}

// Control performs one control transfer.
func (t *USBTransport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return t.dev.Control(rType, request, val, idx, data)
}

// Read reads from the to-host bulk endpoint, claiming the default interface
// on first use.
func (t *USBTransport) Read(p []byte) (int, error) {
	ep, err := t.inEndpoint()
	if err != nil {
		return 0, err
	}
	n, err := ep.Read(p)
	if err != nil {
		return n, fmt.Errorf("client: bulk read: %w", err)
	}
	return n, nil
}

func (t *USBTransport) inEndpoint() (*gousb.InEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epIn != nil {
		return t.epIn, nil
	}
	intf, done, err := t.dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("client: claim interface: %w", err)
	}
	ep, err := intf.InEndpoint(EndpointIN & 0x0F)
	if err != nil {
		done()
		return nil, fmt.Errorf("client: open IN endpoint: %w", err)
	}
	t.intf, t.done, t.epIn = intf, done, ep
	return ep, nil
}

// Close releases USB resources.
func (t *USBTransport) Close() error {
	t.mu.Lock()
	if t.done != nil {
		t.done()
		t.done, t.intf, t.epIn = nil, nil, nil
	}
	t.mu.Unlock()
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

// String identifies the device.
func (t *USBTransport) String() string {
	return fmt.Sprintf("usb %04X:%04X", t.vid, t.pid)
}

// DeviceInfo describes a connected bridge.
type DeviceInfo struct {
	VID          uint16
	PID          uint16
	SerialNumber string
	Description  string
}

// Label returns a user-facing description.
func (d DeviceInfo) Label() string {
	if d.Description != "" {
		return fmt.Sprintf("%s (%04X:%04X)", d.Description, d.VID, d.PID)
	}
	return fmt.Sprintf("bridge %04X:%04X", d.VID, d.PID)
}

// Enumerate lists connected devices matching vid:pid.
func Enumerate(vid, pid uint16) ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil && err != gousb.ErrorAccess {
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("client: enumerate: %w", err)
	}

	out := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		out = append(out, DeviceInfo{
			VID:          uint16(dev.Desc.Vendor),
			PID:          uint16(dev.Desc.Product),
			SerialNumber: serial,
			Description:  fmt.Sprintf("%s %s", manufacturer, product),
		})
		dev.Close()
	}
	return out, nil
}
