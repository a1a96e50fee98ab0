package visa

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// Known instrument vendors, used to label discovered devices.
const (
	VendorIDTektronix = 0x0699
	VendorIDKeysight  = 0x0957
	VendorIDRigol     = 0x1AB1
	VendorIDSiglent   = 0xF4EC
	VendorIDRohde     = 0x0AAD
)

// InstrumentInfo describes a detected instrument.
type InstrumentInfo struct {
	Kind        ResourceKind
	Vendor      string
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Resource    string
}

// Label returns a user-friendly description for the instrument.
func (i InstrumentInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	if i.Vendor != "" {
		return fmt.Sprintf("%s (%04X:%04X)", i.Vendor, i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("Instrument %04X:%04X", i.VendorID, i.ProductID)
}

var knownVendors = map[uint16]string{
	VendorIDTektronix: "Tektronix",
	VendorIDKeysight:  "Keysight",
	VendorIDRigol:     "Rigol",
	VendorIDSiglent:   "Siglent",
	VendorIDRohde:     "Rohde & Schwarz",
}

// DiscoverInstruments enumerates USB devices exposing a USBTMC interface. It
// always returns the simulator entry so the tool can be exercised without
// hardware connected.
func DiscoverInstruments(ctx context.Context) ([]InstrumentInfo, error) {
	var results []InstrumentInfo
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return isUSBTMC(desc)
	})
	for _, dev := range devs {
		results = append(results, describeDevice(dev))
		dev.Close()
	}
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	results = append(results, InstrumentInfo{
		Kind:        ResourceSimulator,
		Description: "Simulator (no hardware)",
		Resource:    "SIM",
	})

	return results, nil
}

func isUSBTMC(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.Class(ClassApplication) && alt.SubClass == gousb.Class(SubClassTMC) {
					return true
				}
			}
		}
	}
	return false
}

func describeDevice(dev *gousb.Device) InstrumentInfo {
	vid, pid := uint16(dev.Desc.Vendor), uint16(dev.Desc.Product)
	serial, _ := dev.SerialNumber()
	manufacturer, _ := dev.Manufacturer()
	product, _ := dev.Product()

	info := InstrumentInfo{
		Kind:      ResourceUSB,
		Vendor:    knownVendors[vid],
		VendorID:  vid,
		ProductID: pid,
		Serial:    serial,
		Resource: Resource{
			Kind:      ResourceUSB,
			VendorID:  vid,
			ProductID: pid,
			Serial:    serial,
		}.String(),
	}
	if manufacturer != "" || product != "" {
		info.Description = fmt.Sprintf("%s %s", manufacturer, product)
	}
	return info
}
