package hub

import (
	"encoding/binary"
	"fmt"
)

// USB 2.0 sections 9.3 and 11.24 request fields used by the hub class.
const (
	requestTypeOut   uint8 = 0x00
	requestTypeIn    uint8 = 0x80
	requestTypeClass uint8 = 0x20

	recipientDevice uint8 = 0x00
	recipientOther  uint8 = 0x03

	requestGetStatus    uint8 = 0x00
	requestClearFeature uint8 = 0x01
	requestSetFeature   uint8 = 0x03

	// USB_PORT_FEAT_POWER
	featurePortPower uint16 = 8

	portStatusLength        = 4
	portStatusPower  uint16 = 0x0100
)

type controlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      int
}

func (r controlRequest) String() string {
	return fmt.Sprintf("bmRequestType=%#02x bRequest=%#02x wValue=%#04x wIndex=%d wLength=%d",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
}

// powerRequest builds the SET_FEATURE/CLEAR_FEATURE(PORT_POWER) request addressed to port.
func powerRequest(port int, on bool) controlRequest {
	request := requestClearFeature
	if on {
		request = requestSetFeature
	}
	return controlRequest{
		RequestType: requestTypeOut | requestTypeClass | recipientOther,
		Request:     request,
		Value:       featurePortPower,
		Index:       uint16(port),
	}
}

// portStatusRequest builds the 4 byte GET_STATUS request for port.
func portStatusRequest(port int) controlRequest {
	return controlRequest{
		RequestType: requestTypeIn | requestTypeClass | recipientDevice,
		Request:     requestGetStatus,
		Index:       uint16(port),
		Length:      portStatusLength,
	}
}

// decodePortStatus extracts the little endian wPortStatus word from a GET_STATUS answer.
func decodePortStatus(buf []byte, n int) (uint16, error) {
	if n != portStatusLength || len(buf) < portStatusLength {
		return 0, fmt.Errorf("expected %d status bytes, got %d", portStatusLength, n)
	}
	return binary.LittleEndian.Uint16(buf[0:2]), nil
}

func isPowered(status uint16) bool {
	return status&portStatusPower != 0
}
