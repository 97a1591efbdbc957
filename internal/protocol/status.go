package protocol

import "fmt"

// Status is the result code carried by every response frame.
type Status uint8

const (
	StatusOK                    Status = 0x00
	StatusUnknownCommand        Status = 0x01
	StatusInvalidParameter      Status = 0x02
	StatusBusy                  Status = 0x03
	StatusNotSupported          Status = 0x04
	StatusInvalidState          Status = 0x05
	StatusNoResponse            Status = 0x06 // DFU: nothing stored yet for this component
	StatusCRCError              Status = 0x07
	StatusInsufficientResources Status = 0x08
	StatusUnauthorized          Status = 0x09
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusBusy:
		return "busy"
	case StatusNotSupported:
		return "not supported"
	case StatusInvalidState:
		return "invalid state"
	case StatusNoResponse:
		return "no response"
	case StatusCRCError:
		return "crc error"
	case StatusInsufficientResources:
		return "insufficient resources"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("unknown status code 0x%02X", uint8(s))
	}
}
