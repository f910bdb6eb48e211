package dispatch

import (
	"fmt"

	"github.com/srg/trvd/internal/device"
)

// State of the protocol state machine.
type State int

const (
	Idle State = iota
	Connecting
	NegotiatingTransport
	DiscoveringService
	DiscoveringCharacteristics
	SubscribingNotify
	WritingCommand
	AwaitingNotification
	Settling
	Disconnecting
)

var stateNames = [...]string{
	Idle:                       "idle",
	Connecting:                 "connecting",
	NegotiatingTransport:       "negotiating-transport",
	DiscoveringService:         "discovering-service",
	DiscoveringCharacteristics: "discovering-characteristics",
	SubscribingNotify:          "subscribing-notify",
	WritingCommand:             "writing-command",
	AwaitingNotification:       "awaiting-notification",
	Settling:                   "settling",
	Disconnecting:              "disconnecting",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InFlight reports whether a command is bound to the link in this state.
func (s State) InFlight() bool {
	return s >= Connecting && s <= AwaitingNotification
}

// Failure reasons published in terminal failure reports.
const (
	ReasonUnavailable      = "device unavailable"
	ReasonDeviceError      = "device error"
	ReasonNotRecognized    = "not a recognized device"
	ReasonNoCharacteristic = "characteristics not found"
	ReasonNotifyError      = "notify error"
	ReasonWriteFailed      = "unable to write to device"
	ReasonTimeout          = "timeout"
)

// Session is the state of the one radio link.
type Session struct {
	Attempt       Attempt
	Target        device.Address
	Service       HandleRange
	CommandHandle uint16
	NotifyHandle  uint16
	Open          bool
}
