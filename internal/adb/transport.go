// internal/adb/transport.go
// USB transport: locates and claims the ADB interface and provides a
// packet-oriented duplex over its bulk IN/OUT endpoints (spec.md §4.B).
// Modeled on the claim/endpoint/transfer lifecycle in
// internal/driver/device/usb_device.go, generalized from one vendor's
// ASIC descriptor to the generic ADB interface match.
package adb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Interface descriptor match required by the ADB protocol (spec.md §6).
const (
	adbInterfaceClass    = 0xFF
	adbInterfaceSubclass = 0x42
	adbInterfaceProtocol = 0x01
)

// outTransferRetries is the number of times an outbound transfer is
// retried (after a clear-halt) before giving up with a transient error;
// a vanished device fails at once with Disconnected.
const outTransferRetries = 1

// altSettleDelay is the pause after selecting a new alternate setting,
// matching spec.md §4.B's "pause briefly for the device to settle".
const altSettleDelay = 20 * time.Millisecond

// Transport is the packet-oriented duplex the Session Engine drives. It
// is the Go rendering of spec.md §6's "USB host collaborator" contract.
type Transport interface {
	// WriteFrame sends a header and optional payload as one atomic send
	// job (spec.md §5 ordering guarantee), applying the ZLP rule.
	WriteFrame(ctx context.Context, header, payload []byte) error
	// ReadHeader performs one inbound read sized for a header (the USB
	// transport requests up to the IN endpoint's packet size); a read
	// that is not HeaderSize bytes is dropped and re-attempted by the caller.
	ReadHeader(ctx context.Context) ([]byte, error)
	// ReadPayload reads exactly length bytes.
	ReadPayload(ctx context.Context, length int) ([]byte, error)
	// MaxPacketSize reports the endpoints' negotiated packet sizes, used
	// by the ZLP rule and by inbound read sizing.
	MaxPacketSize() (out, in int)
	Close() error
}

// usbTransport implements Transport against a real USB device via gousb.
type usbTransport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// OpenTransport opens the first USB device exposing the ADB interface
// descriptor (class 0xFF, subclass 0x42, protocol 0x01) with vid/pid, or
// any device if vid/pid are both zero.
func OpenTransport(vid, pid uint16) (Transport, error) {
	ctx := gousb.NewContext()

	var device *gousb.Device
	var err error
	if vid != 0 || pid != 0 {
		device, err = ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	} else {
		var devices []*gousb.Device
		devices, err = ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return hasADBInterface(desc)
		})
		if err == nil && len(devices) > 0 {
			device = devices[0]
			for _, extra := range devices[1:] {
				extra.Close()
			}
		}
	}
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("adb: open USB device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, ErrNoAdbInterface
	}

	t := &usbTransport{ctx: ctx, device: device}
	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func hasADBInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == adbInterfaceClass && alt.SubClass == adbInterfaceSubclass && alt.Protocol == adbInterfaceProtocol {
					return true
				}
			}
		}
	}
	return false
}

// claim implements the claiming protocol of spec.md §4.B: select the
// configuration carrying the ADB interface if needed, claim it (Busy if
// held elsewhere), select the alternate setting and settle, resolve
// endpoints, and best-effort clear-halt both.
func (t *usbTransport) claim() error {
	desc := t.device.Desc
	cfgNum, intfNum, altNum, ok := findADBInterface(desc)
	if !ok {
		return ErrNoAdbInterface
	}

	cfg, err := t.device.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("adb: select USB configuration: %w", err)
	}
	t.config = cfg

	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("adb: claim USB interface: %w", ErrBusy)
		}
		return fmt.Errorf("adb: claim USB interface: %w", err)
	}
	t.intf = intf
	time.Sleep(altSettleDelay)

	epOut, epIn, err := resolveEndpoints(intf, desc, cfgNum, intfNum, altNum)
	if err != nil {
		return err
	}
	t.epOut = epOut
	t.epIn = epIn

	// Best-effort clear-halt; errors are ignored (spec.md §4.B).
	t.device.ClearHalt(epOut.Number)
	t.device.ClearHalt(epIn.Number)
	return nil
}

func findADBInterface(desc *gousb.DeviceDesc) (cfgNum, intfNum, altNum int, ok bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == adbInterfaceClass && alt.SubClass == adbInterfaceSubclass && alt.Protocol == adbInterfaceProtocol {
					return cfg.Number, intf.Number, alt.Alternate, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

func resolveEndpoints(intf *gousb.Interface, desc *gousb.DeviceDesc, cfgNum, intfNum, altNum int) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outEP, inEP *gousb.EndpointDesc
	for _, cfg := range desc.Configs {
		if cfg.Number != cfgNum {
			continue
		}
		for _, i := range cfg.Interfaces {
			if i.Number != intfNum {
				continue
			}
			for _, alt := range i.AltSettings {
				if alt.Alternate != altNum {
					continue
				}
				for _, ep := range alt.Endpoints {
					epCopy := ep
					if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
						outEP = &epCopy
					}
					if ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk {
						inEP = &epCopy
					}
				}
			}
		}
	}
	if outEP == nil || inEP == nil {
		return nil, nil, ErrNoAdbInterface
	}

	out, err := intf.OutEndpoint(outEP.Number)
	if err != nil {
		return nil, nil, fmt.Errorf("adb: open OUT endpoint: %w", err)
	}
	in, err := intf.InEndpoint(inEP.Number)
	if err != nil {
		return nil, nil, fmt.Errorf("adb: open IN endpoint: %w", err)
	}
	return out, in, nil
}

func (t *usbTransport) MaxPacketSize() (out, in int) {
	return t.epOut.Desc.MaxPacketSize, t.epIn.Desc.MaxPacketSize
}

// WriteFrame sends header then payload as two transfers, applying the
// zero-length-packet rule: after a transfer whose length is a positive
// exact multiple of the OUT endpoint's max packet size, send an
// additional empty transfer (spec.md §4.B, scenario S6).
func (t *usbTransport) WriteFrame(ctx context.Context, header, payload []byte) error {
	if err := t.writeOne(ctx, header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := t.writeOne(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (t *usbTransport) writeOne(ctx context.Context, data []byte) error {
	if err := t.transferOut(ctx, data); err != nil {
		return err
	}
	if needsZLP(len(data), t.epOut.Desc.MaxPacketSize) {
		if err := t.transferOut(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

// needsZLP reports whether a transfer of dataLen bytes must be followed
// by a zero-length packet: dataLen is a positive exact multiple of the
// endpoint's max packet size (spec.md §4.B, scenario S6).
func needsZLP(dataLen, maxPacket int) bool {
	return dataLen > 0 && maxPacket > 0 && dataLen%maxPacket == 0
}

// transferOut writes data, recovering from one transient failure via a
// clear-halt and a single retry (spec.md §4.B "Outbound recovery").
func (t *usbTransport) transferOut(ctx context.Context, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= outTransferRetries; attempt++ {
		_, err := t.epOut.WriteContext(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if isDisconnected(err) {
			return fmt.Errorf("adb: USB write: %w", ErrDisconnected)
		}
		t.device.ClearHalt(t.epOut.Number)
	}
	return fmt.Errorf("adb: USB write failed after retry: %w: %v", errTransportTransient, lastErr)
}

// ReadHeader requests up to the IN endpoint's packet size for a header.
func (t *usbTransport) ReadHeader(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.epIn.Desc.MaxPacketSize)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		if isDisconnected(err) {
			return nil, fmt.Errorf("adb: USB read: %w", ErrDisconnected)
		}
		return nil, fmt.Errorf("adb: USB read: %w: %v", errTransportTransient, err)
	}
	return buf[:n], nil
}

// ReadPayload requests exactly length bytes.
func (t *usbTransport) ReadPayload(ctx context.Context, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		if isDisconnected(err) {
			return nil, fmt.Errorf("adb: USB read: %w", ErrDisconnected)
		}
		return nil, fmt.Errorf("adb: USB read: %w: %v", errTransportTransient, err)
	}
	return buf[:n], nil
}

func (t *usbTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

func isBusy(err error) bool {
	return errors.Is(err, gousb.ErrorAccess) || errors.Is(err, gousb.ErrorBusy)
}

func isDisconnected(err error) bool {
	return errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorNotFound)
}
