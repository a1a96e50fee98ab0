package visa

import (
	"encoding/binary"
	"fmt"
)

// USBTMC bulk message IDs
const (
	MsgDevDepMsgOut       = 0x01
	MsgRequestDevDepMsgIn = 0x02
	MsgDevDepMsgIn        = 0x02
)

// USBTMC class-specific control requests
const (
	ReqInitiateAbortBulkOut    = 0x01
	ReqCheckAbortBulkOutStatus = 0x02
	ReqInitiateAbortBulkIn     = 0x03
	ReqCheckAbortBulkInStatus  = 0x04
	ReqInitiateClear           = 0x05
	ReqCheckClearStatus        = 0x06
)

// USBTMC control status values
const (
	StatusSuccess = 0x01
	StatusPending = 0x02
	StatusFailed  = 0x80
)

// AttrEOM is the end-of-message bit of bmTransferAttributes.
const AttrEOM = 0x01

// HeaderSize is the fixed Bulk-OUT / Bulk-IN header length.
const HeaderSize = 12

// USBTMC interface class triple
const (
	ClassApplication = 0xFE
	SubClassTMC      = 0x03
)

// USBTMCHeader is the decoded form of a bulk message header.
type USBTMCHeader struct {
	MsgID        byte
	Tag          byte
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

// EOM reports whether the message is the last of a transfer.
func (h USBTMCHeader) EOM() bool { return h.Attributes&AttrEOM != 0 }

// USBTMCProtocol handles framing of USBTMC bulk messages and keeps the
// rolling bTag.
type USBTMCProtocol struct {
	tag byte
}

// NewUSBTMCProtocol creates a new protocol handler
func NewUSBTMCProtocol() *USBTMCProtocol {
	return &USBTMCProtocol{}
}

// NextTag advances bTag. Valid tags are 1..255.
func (p *USBTMCProtocol) NextTag() byte {
	p.tag++
	if p.tag == 0 {
		p.tag = 1
	}
	return p.tag
}

// EncodeDevDepMsgOut builds a DEV_DEP_MSG_OUT transfer carrying payload,
// padded to a 4-byte boundary.
func (p *USBTMCProtocol) EncodeDevDepMsgOut(payload []byte, eom bool) []byte {
	tag := p.NextTag()
	size := HeaderSize + len(payload)
	if pad := size % 4; pad != 0 {
		size += 4 - pad
	}

	msg := make([]byte, size)
	msg[0] = MsgDevDepMsgOut
	msg[1] = tag
	msg[2] = ^tag
	binary.LittleEndian.PutUint32(msg[4:8], uint32(len(payload)))
	if eom {
		msg[8] = AttrEOM
	}
	copy(msg[HeaderSize:], payload)
	return msg
}

// EncodeRequestDevDepMsgIn asks the device to send up to maxSize bytes.
func (p *USBTMCProtocol) EncodeRequestDevDepMsgIn(maxSize uint32) []byte {
	tag := p.NextTag()
	msg := make([]byte, HeaderSize)
	msg[0] = MsgRequestDevDepMsgIn
	msg[1] = tag
	msg[2] = ^tag
	binary.LittleEndian.PutUint32(msg[4:8], maxSize)
	return msg
}

// DecodeHeader parses and validates a Bulk-IN header.
func (p *USBTMCProtocol) DecodeHeader(resp []byte) (USBTMCHeader, error) {
	if len(resp) < HeaderSize {
		return USBTMCHeader{}, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	if resp[1] != ^resp[2] {
		return USBTMCHeader{}, fmt.Errorf("tag check failed: 0x%02X/0x%02X", resp[1], resp[2])
	}
	return USBTMCHeader{
		MsgID:        resp[0],
		Tag:          resp[1],
		TransferSize: binary.LittleEndian.Uint32(resp[4:8]),
		Attributes:   resp[8],
		TermChar:     resp[9],
	}, nil
}

// DecodeDevDepMsgIn validates a DEV_DEP_MSG_IN transfer answering tag and
// returns its payload.
func (p *USBTMCProtocol) DecodeDevDepMsgIn(resp []byte, tag byte) ([]byte, USBTMCHeader, error) {
	hdr, err := p.DecodeHeader(resp)
	if err != nil {
		return nil, hdr, err
	}
	if hdr.MsgID != MsgDevDepMsgIn {
		return nil, hdr, fmt.Errorf("invalid message ID: 0x%02X", hdr.MsgID)
	}
	if hdr.Tag != tag {
		return nil, hdr, fmt.Errorf("tag mismatch: got %d, want %d", hdr.Tag, tag)
	}
	n := int(hdr.TransferSize)
	if len(resp)-HeaderSize < n {
		n = len(resp) - HeaderSize
	}
	return resp[HeaderSize : HeaderSize+n], hdr, nil
}
