package dispatch

import (
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/trv"
)

// Attempt identifies one connection session. Radio results carry the attempt
// that produced them so late callbacks from an abandoned session are dropped.
type Attempt uint64

// HandleRange is the attribute handle span of a discovered service.
type HandleRange struct {
	Start uint16
	End   uint16
}

// Event is an input to Machine.Step.
type Event interface {
	isEvent()
}

// Tick is the periodic pacing tick.
type Tick struct{}

// Submit asks for a command to be queued.
type Submit struct {
	Command trv.Command
}

// Schedule asks for a deferred action.
type Schedule struct {
	Kind  pacing.Kind
	Ticks int
}

// Connected reports the outcome of Open.
type Connected struct {
	Attempt Attempt
	Err     error
}

// MTUExchanged reports the outcome of ExchangeMTU.
type MTUExchanged struct {
	Attempt Attempt
	MTU     int
	Err     error
}

// ServiceDiscovered reports the outcome of DiscoverService.
type ServiceDiscovered struct {
	Attempt Attempt
	Found   bool
	Range   HandleRange
	Err     error
}

// CharacteristicsDiscovered reports the outcome of DiscoverCharacteristics.
// A zero handle means the characteristic was not found.
type CharacteristicsDiscovered struct {
	Attempt       Attempt
	CommandHandle uint16
	NotifyHandle  uint16
	Err           error
}

// Subscribed reports the outcome of Subscribe.
type Subscribed struct {
	Attempt Attempt
	Err     error
}

// Written reports the outcome of Write.
type Written struct {
	Attempt Attempt
	Err     error
}

// Notified carries a notification received on the subscribed characteristic.
type Notified struct {
	Attempt Attempt
	Data    []byte
}

// Disconnected reports that the link went down. Local is true when the
// disconnect followed a Close effect.
type Disconnected struct {
	Attempt Attempt
	Local   bool
}

func (Tick) isEvent()                      {}
func (Submit) isEvent()                    {}
func (Schedule) isEvent()                  {}
func (Connected) isEvent()                 {}
func (MTUExchanged) isEvent()              {}
func (ServiceDiscovered) isEvent()         {}
func (CharacteristicsDiscovered) isEvent() {}
func (Subscribed) isEvent()                {}
func (Written) isEvent()                   {}
func (Notified) isEvent()                  {}
func (Disconnected) isEvent()              {}

// Effect is an output of Machine.Step executed by the Engine.
type Effect interface {
	isEffect()
}

// Open dials the target.
type Open struct {
	Attempt Attempt
	Target  device.Address
}

// ExchangeMTU negotiates the ATT MTU.
type ExchangeMTU struct {
	Attempt Attempt
	MTU     int
}

// DiscoverService searches the link for the valve service.
type DiscoverService struct {
	Attempt Attempt
	UUID    string
}

// DiscoverCharacteristics looks up the command and notify characteristics in Range.
type DiscoverCharacteristics struct {
	Attempt Attempt
	Range   HandleRange
	Command string
	Notify  string
}

// Subscribe arms notifications on Handle.
type Subscribe struct {
	Attempt Attempt
	Handle  uint16
}

// Write sends Payload to Handle with response.
type Write struct {
	Attempt Attempt
	Handle  uint16
	Payload []byte
}

// Close tears down the link of Attempt.
type Close struct {
	Attempt Attempt
}

// PublishStatus hands a success report to the status sink.
type PublishStatus struct {
	Report trv.Report
}

// ReportFailure hands a terminal failure report to the status sink.
type ReportFailure struct {
	Report trv.Report
}

// AppendLog adds a line to the activity log.
type AppendLog struct {
	Line string
}

// Enqueued answers a Submit.
type Enqueued struct {
	Command  trv.Command
	Accepted bool
}

// StartTransport starts the message transport.
type StartTransport struct{}

// RestartTransport restarts the message transport.
type RestartTransport struct{}

func (Open) isEffect()                    {}
func (ExchangeMTU) isEffect()             {}
func (DiscoverService) isEffect()         {}
func (DiscoverCharacteristics) isEffect() {}
func (Subscribe) isEffect()               {}
func (Write) isEffect()                   {}
func (Close) isEffect()                   {}
func (PublishStatus) isEffect()           {}
func (ReportFailure) isEffect()           {}
func (AppendLog) isEffect()               {}
func (Enqueued) isEffect()                {}
func (StartTransport) isEffect()          {}
func (RestartTransport) isEffect()        {}
