package visa

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceKind identifies which transport driver serves a resource string.
type ResourceKind string

const (
	ResourceUSB       ResourceKind = "usbtmc"
	ResourceSocket    ResourceKind = "socket"
	ResourceSimulator ResourceKind = "simulator"
)

// Resource is a parsed instrument address.
//
// Supported forms:
//
//	USB[board]::<vid>::<pid>[::<serial>[::<interface>]]::INSTR
//	TCPIP[board]::<host>::<port>::SOCKET
//	SIM[::<name>]
//
// VID and PID may be decimal or 0x-prefixed hex, as VISA allows both.
type Resource struct {
	Kind      ResourceKind
	Raw       string
	VendorID  uint16
	ProductID uint16
	Serial    string
	Interface int
	Host      string
	Port      int
	Name      string
}

// String returns the canonical form of the resource.
func (r Resource) String() string {
	switch r.Kind {
	case ResourceUSB:
		s := fmt.Sprintf("USB0::0x%04X::0x%04X", r.VendorID, r.ProductID)
		if r.Serial != "" {
			s += "::" + r.Serial
		}
		return s + "::INSTR"
	case ResourceSocket:
		return fmt.Sprintf("TCPIP0::%s::%d::SOCKET", r.Host, r.Port)
	case ResourceSimulator:
		if r.Name == "" {
			return "SIM"
		}
		return "SIM::" + r.Name
	}
	return r.Raw
}

// ParseResource parses a VISA-style resource string.
func ParseResource(s string) (Resource, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Resource{}, fmt.Errorf("visa: empty resource string")
	}
	parts := strings.Split(raw, "::")
	head := strings.ToUpper(parts[0])

	switch {
	case strings.HasPrefix(head, "USB"):
		return parseUSBResource(raw, parts)
	case strings.HasPrefix(head, "TCPIP"):
		return parseSocketResource(raw, parts)
	case head == "SIM":
		r := Resource{Kind: ResourceSimulator, Raw: raw}
		if len(parts) > 1 {
			r.Name = parts[1]
		}
		return r, nil
	}
	return Resource{}, fmt.Errorf("visa: unsupported resource %q", raw)
}

func parseUSBResource(raw string, parts []string) (Resource, error) {
	if len(parts) < 4 || !strings.EqualFold(parts[len(parts)-1], "INSTR") {
		return Resource{}, fmt.Errorf("visa: malformed USB resource %q", raw)
	}
	vid, err := strconv.ParseUint(parts[1], 0, 16)
	if err != nil {
		return Resource{}, fmt.Errorf("visa: bad vendor id in %q: %w", raw, err)
	}
	pid, err := strconv.ParseUint(parts[2], 0, 16)
	if err != nil {
		return Resource{}, fmt.Errorf("visa: bad product id in %q: %w", raw, err)
	}
	r := Resource{
		Kind:      ResourceUSB,
		Raw:       raw,
		VendorID:  uint16(vid),
		ProductID: uint16(pid),
	}
	middle := parts[3 : len(parts)-1]
	if len(middle) > 0 {
		r.Serial = middle[0]
	}
	if len(middle) > 1 {
		n, err := strconv.Atoi(middle[1])
		if err != nil {
			return Resource{}, fmt.Errorf("visa: bad interface number in %q: %w", raw, err)
		}
		r.Interface = n
	}
	return r, nil
}

func parseSocketResource(raw string, parts []string) (Resource, error) {
	if len(parts) != 4 || !strings.EqualFold(parts[3], "SOCKET") {
		return Resource{}, fmt.Errorf("visa: only TCPIP::host::port::SOCKET is supported, got %q", raw)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return Resource{}, fmt.Errorf("visa: bad port in %q", raw)
	}
	return Resource{
		Kind: ResourceSocket,
		Raw:  raw,
		Host: parts[1],
		Port: port,
	}, nil
}
