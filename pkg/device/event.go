package device

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// Kind enumerates controller events.
type Kind uint8

const (
	EventSetConfiguration Kind = iota
	EventReset
	EventDisconnect
	EventSuspend
	EventBusOverflow
)

var kindNames = map[Kind]string{
	EventSetConfiguration: "SetConfiguration",
	EventReset:            "Reset",
	EventDisconnect:       "Disconnect",
	EventSuspend:          "Suspend",
	EventBusOverflow:      "BusOverflow",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Event is one notification from the USB or external-bus controller. Speed is
// meaningful for EventSetConfiguration only.
type Event struct {
	Kind  Kind
	Speed usb.Speed
}

func (e Event) String() string {
	if e.Kind == EventSetConfiguration {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Speed)
	}
	return e.Kind.String()
}

// Handler consumes one event.
type Handler func(Event)

// Table dispatches events by kind. Unlisted kinds are dropped.
type Table map[Kind]Handler

// Dispatch runs the handler for e and reports whether one was registered.
func (t Table) Dispatch(e Event) bool {
	h, ok := t[e.Kind]
	if !ok || h == nil {
		return false
	}
	h(e)
	return true
}
