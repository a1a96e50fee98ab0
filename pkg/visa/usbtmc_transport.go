package visa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// DefaultTimeout matches the VISA default of two seconds.
	DefaultTimeout = 2 * time.Second
	// DefaultChunkSize is the per-request read size before SetChunkSize.
	DefaultChunkSize = 20 * 1024

	clearPollInterval = 100 * time.Millisecond
)

// bulkOut and bulkIn are the parts of gousb's endpoints the message layer
// uses.
type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// controller issues control transfers on the default pipe.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// USBTMCTransport talks USBTMC over bulk endpoints. The gousb context is the
// resource manager and is released together with the device in Close.
type USBTMCTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	ctrl    controller
	epOut   bulkOut
	epIn    bulkIn
	outAddr uint8
	inAddr  uint8

	intfNum  int
	protocol *USBTMCProtocol

	chunkSize int
	timeout   time.Duration

	res Resource
}

// NewUSBTMCTransport opens the instrument addressed by res.
func NewUSBTMCTransport(res Resource) (*USBTMCTransport, error) {
	ctx := gousb.NewContext()

	dev, err := openUSBDevice(ctx, res)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	// Not fatal on all platforms
	_ = dev.SetAutoDetach(true)
	dev.ControlTimeout = DefaultTimeout

	t := &USBTMCTransport{
		ctx:       ctx,
		dev:       dev,
		ctrl:      dev,
		protocol:  NewUSBTMCProtocol(),
		chunkSize: DefaultChunkSize,
		timeout:   DefaultTimeout,
		res:       res,
	}

	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// openUSBDevice finds the device by VID/PID and, when given, serial number.
func openUSBDevice(ctx *gousb.Context, res Resource) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == res.VendorID && uint16(desc.Product) == res.ProductID
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("USB error: %w", err)
	}

	var found *gousb.Device
	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}
		if res.Serial != "" {
			serial, _ := dev.SerialNumber()
			if serial != res.Serial {
				dev.Close()
				continue
			}
		}
		found = dev
	}

	if found == nil {
		return nil, disconnectedError("open", fmt.Errorf("device not found (VID:0x%04X PID:0x%04X serial %q)",
			res.VendorID, res.ProductID, res.Serial))
	}
	return found, nil
}

// claimInterface finds and claims the USBTMC interface
func (t *USBTMCTransport) claimInterface() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := t.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	intfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		if alt.Class == gousb.Class(ClassApplication) && alt.SubClass == gousb.Class(SubClassTMC) {
			intfNum = intf.Number
			break
		}
	}
	if intfNum == -1 {
		// Fall back to the interface named in the resource string
		intfNum = t.res.Interface
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", intfNum, err)
	}
	t.intf = intf
	t.intfNum = intfNum

	return t.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTMCTransport) findEndpoints() error {
	var outNum, inNum int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum == 0 {
			outNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum == 0 {
			inNum = ep.Number
		}
	}

	if outNum == 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inNum == 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outNum)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut
	t.outAddr = uint8(epOut.Desc.Address)

	epIn, err := t.intf.InEndpoint(inNum)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn
	t.inAddr = uint8(epIn.Desc.Address)

	return nil
}

// Write sends data as a single DEV_DEP_MSG_OUT transfer with EOM set. A
// write that times out is aborted so the device discards the partial message.
func (t *USBTMCTransport) Write(data []byte) error {
	if t.epOut == nil {
		return &TransportError{Op: "write", Kind: KindDisconnected, Err: ErrClosed}
	}
	msg := t.protocol.EncodeDevDepMsgOut(data, true)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if _, err := t.epOut.WriteContext(ctx, msg); err != nil {
		terr := classifyUSBError("write", err)
		if IsTimeout(terr) {
			// The timeout is what the caller needs to see.
			_ = t.abortBulkOut(msg[1])
		}
		return terr
	}
	return nil
}

// ReadMessage requests DEV_DEP_MSG_IN transfers until one carries EOM. A
// read that times out aborts the pending request so its late answer cannot
// be taken for the reply to the next query.
func (t *USBTMCTransport) ReadMessage() ([]byte, error) {
	if t.epIn == nil {
		return nil, &TransportError{Op: "read", Kind: KindDisconnected, Err: ErrClosed}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var out []byte
	for {
		req := t.protocol.EncodeRequestDevDepMsgIn(uint32(t.chunkSize))
		tag := req[1]
		if _, err := t.epOut.WriteContext(ctx, req); err != nil {
			return nil, classifyUSBError("read request", err)
		}

		payload, eom, err := t.readTransfer(ctx, tag)
		if err != nil {
			if IsTimeout(err) {
				_ = t.abortBulkIn(tag)
			}
			return nil, err
		}
		out = append(out, payload...)
		if eom {
			return out, nil
		}
	}
}

// readTransfer reads one DEV_DEP_MSG_IN answering tag. A payload longer
// than a bulk packet continues in headerless transfers.
func (t *USBTMCTransport) readTransfer(ctx context.Context, tag byte) ([]byte, bool, error) {
	buf := make([]byte, HeaderSize+t.chunkSize+3)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, false, classifyUSBError("read", err)
	}
	data := buf[:n]

	hdr, err := t.protocol.DecodeHeader(data)
	if err != nil {
		return nil, false, framingError("read", "%v", err)
	}
	if hdr.TransferSize > uint32(t.chunkSize) {
		return nil, false, framingError("read", "transfer size %d exceeds requested %d", hdr.TransferSize, t.chunkSize)
	}

	need := HeaderSize + int(hdr.TransferSize)
	for len(data) < need {
		more := make([]byte, need-len(data)+3)
		m, err := t.epIn.ReadContext(ctx, more)
		if err != nil {
			return nil, false, classifyUSBError("read", err)
		}
		if m == 0 {
			return nil, false, framingError("read", "short transfer: %d of %d bytes", len(data), need)
		}
		data = append(data, more[:m]...)
	}

	payload, hdr, err := t.protocol.DecodeDevDepMsgIn(data, tag)
	if err != nil {
		return nil, false, framingError("read", "%v", err)
	}
	return payload, hdr.EOM(), nil
}

const (
	ctrlClassInterface = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
	ctrlClassEndpoint  = gousb.ControlIn | gousb.ControlClass | gousb.ControlEndpoint

	abortDrainPacket = 512
	abortDrainLimit  = 64
)

// abortBulkIn runs INITIATE_ABORT_BULK_IN for tag and drains what the
// device had already queued. STATUS_FAILED means nothing was in flight.
func (t *USBTMCTransport) abortBulkIn(tag byte) error {
	if t.ctrl == nil {
		return nil
	}
	status := make([]byte, 2)
	if _, err := t.ctrl.Control(ctrlClassEndpoint, ReqInitiateAbortBulkIn, uint16(tag), uint16(t.inAddr), status); err != nil {
		return classifyUSBError("abort", err)
	}
	switch status[0] {
	case StatusSuccess:
	case StatusFailed:
		return nil
	default:
		return framingError("abort", "INITIATE_ABORT_BULK_IN status 0x%02X", status[0])
	}

	t.drainBulkIn()
	return t.checkAbortStatus(ReqCheckAbortBulkInStatus, t.inAddr, func(check []byte) {
		// bmAbortBulkIn.D0: the device still holds data for the host.
		if check[1]&0x01 != 0 {
			t.drainBulkIn()
		}
	})
}

// abortBulkOut runs INITIATE_ABORT_BULK_OUT for tag and clears the halt.
// STATUS_FAILED means the device already took the whole message.
func (t *USBTMCTransport) abortBulkOut(tag byte) error {
	if t.ctrl == nil {
		return nil
	}
	status := make([]byte, 2)
	if _, err := t.ctrl.Control(ctrlClassEndpoint, ReqInitiateAbortBulkOut, uint16(tag), uint16(t.outAddr), status); err != nil {
		return classifyUSBError("abort", err)
	}
	switch status[0] {
	case StatusSuccess:
	case StatusFailed:
		return nil
	default:
		return framingError("abort", "INITIATE_ABORT_BULK_OUT status 0x%02X", status[0])
	}
	if err := t.checkAbortStatus(ReqCheckAbortBulkOutStatus, t.outAddr, nil); err != nil {
		return err
	}
	return t.clearHalt(t.outAddr)
}

// checkAbortStatus polls a CHECK_ABORT_BULK_*_STATUS request while it
// reports PENDING, calling onPending each time.
func (t *USBTMCTransport) checkAbortStatus(req uint8, addr uint8, onPending func([]byte)) error {
	deadline := time.Now().Add(t.timeout)
	check := make([]byte, 8)
	for {
		if _, err := t.ctrl.Control(ctrlClassEndpoint, req, 0, uint16(addr), check); err != nil {
			return classifyUSBError("abort", err)
		}
		switch check[0] {
		case StatusSuccess:
			return nil
		case StatusPending:
		default:
			return framingError("abort", "status 0x%02X", check[0])
		}
		if onPending != nil {
			onPending(check)
		}
		if time.Now().After(deadline) {
			return timeoutError("abort", errors.New("abort still pending"))
		}
		time.Sleep(clearPollInterval)
	}
}

// drainBulkIn reads and discards Bulk-IN data until a short packet.
func (t *USBTMCTransport) drainBulkIn() {
	buf := make([]byte, abortDrainPacket)
	for i := 0; i < abortDrainLimit; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), clearPollInterval)
		n, err := t.epIn.ReadContext(ctx, buf)
		cancel()
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (t *USBTMCTransport) clearHalt(addr uint8) error {
	// CLEAR_FEATURE(ENDPOINT_HALT)
	halt := gousb.ControlOut | gousb.ControlStandard | gousb.ControlEndpoint
	if _, err := t.ctrl.Control(halt, 0x01, 0, uint16(addr), nil); err != nil {
		return classifyUSBError("clear", err)
	}
	return nil
}

// Clear runs INITIATE_CLEAR / CHECK_CLEAR_STATUS and clears the OUT halt.
func (t *USBTMCTransport) Clear() error {
	if t.ctrl == nil {
		return &TransportError{Op: "clear", Kind: KindDisconnected, Err: ErrClosed}
	}

	status := make([]byte, 1)
	if _, err := t.ctrl.Control(ctrlClassInterface, ReqInitiateClear, 0, uint16(t.intfNum), status); err != nil {
		return classifyUSBError("clear", err)
	}
	if status[0] != StatusSuccess {
		return framingError("clear", "INITIATE_CLEAR status 0x%02X", status[0])
	}

	deadline := time.Now().Add(t.timeout)
	check := make([]byte, 2)
	for {
		if _, err := t.ctrl.Control(ctrlClassInterface, ReqCheckClearStatus, 0, uint16(t.intfNum), check); err != nil {
			return classifyUSBError("clear", err)
		}
		if check[0] != StatusPending {
			break
		}
		if time.Now().After(deadline) {
			return timeoutError("clear", errors.New("clear still pending"))
		}
		time.Sleep(clearPollInterval)
	}
	if check[0] != StatusSuccess {
		return framingError("clear", "CHECK_CLEAR_STATUS status 0x%02X", check[0])
	}

	// Required after a clear.
	return t.clearHalt(t.outAddr)
}

// SetTimeout sets the read/write timeout
func (t *USBTMCTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
	if t.dev != nil {
		t.dev.ControlTimeout = timeout
	}
}

// SetChunkSize sets the TransferSize requested per Bulk-IN message.
func (t *USBTMCTransport) SetChunkSize(n int) {
	if n > 0 {
		t.chunkSize = n
	}
}

// Close releases USB resources
func (t *USBTMCTransport) Close() error {
	t.epIn = nil
	t.epOut = nil
	t.ctrl = nil
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	var err error
	if t.cfg != nil {
		err = t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		if cerr := t.dev.Close(); err == nil {
			err = cerr
		}
		t.dev = nil
	}
	if t.ctx != nil {
		if cerr := t.ctx.Close(); err == nil {
			err = cerr
		}
		t.ctx = nil
	}
	return err
}

func classifyUSBError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled),
		errors.Is(err, gousb.ErrorTimeout):
		return timeoutError(op, err)
	case errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.ErrorNoDevice):
		return disconnectedError(op, err)
	}
	return &TransportError{Op: op, Kind: KindFraming, Err: err}
}
