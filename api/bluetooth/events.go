package bluetooth

import (
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/bluetuith-org/ble-peripheral/api/eventbus"
)

// EventID represents a unique event ID.
type EventID byte

// The different types of event IDs.
const (
	EventNone EventID = iota // The zero value for this type.
	EventError
	EventConnection
	EventSettings
)

// EventAction describes an action that is associated with an event.
type EventAction string

// The different types of event actions.
const (
	EventActionNone    EventAction = "none"
	EventActionUpdated EventAction = "updated"
	EventActionAdded   EventAction = "added"
	EventActionRemoved EventAction = "removed"
)

// eventNames holds names of different events.
var eventNames = map[EventID]string{
	EventNone:       "",
	EventError:      "error_event",
	EventConnection: "connection_event",
	EventSettings:   "settings_event",
}

// String returns the name of the event ID.
func (e EventID) String() string {
	return eventNames[e]
}

// String returns the name of the event action.
func (e EventAction) String() string {
	return string(e)
}

// Value returns the event ID.
func (e EventID) Value() uint {
	return uint(e)
}

// ConnectionEventData holds data about a central that connected to or
// disconnected from the controller.
type ConnectionEventData struct {
	// Address holds the Bluetooth MAC address of the central.
	Address MacAddress `json:"address" codec:"Address" doc:"The Bluetooth MAC address of the central."`

	// AddressType indicates whether the address is public or random.
	AddressType uint8 `json:"address_type" codec:"AddressType" doc:"Indicates whether the address is public or random."`
}

// SettingsEventData holds an updated controller settings bitfield.
type SettingsEventData struct {
	// Settings holds the new controller settings.
	Settings Settings `json:"settings" codec:"Settings" doc:"The new controller settings."`
}

// Events defines the set of possible event data types.
type Events interface {
	errorkinds.GenericError | ConnectionEventData | SettingsEventData
}

// Event represents a general event.
type Event[T Events] struct {
	// ID holds the event ID.
	ID EventID `json:"event_id,omitempty" doc:"The event ID."`

	// Action holds the corresponding action associated with this event.
	Action EventAction `json:"event_action,omitempty" enum:"updated,added,removed" doc:"The corresponding action associated with this event"`

	// Data holds the actual event data.
	Data T `json:"event_data,omitempty" doc:"The actual event data."`
}

// EventGroup describes a publisher/subscriber pair for one event ID.
type EventGroup[T Events] struct {
	// ID holds the event ID.
	ID EventID
}

// Subscriber holds the delivery channels for a subscribed event group.
type Subscriber[T Events] struct {
	Events chan Event[T]
	Done   chan struct{}

	Unsubscribe eventbus.UnsubFunc
}

// Publish publishes event data with the provided action to all
// subscribers of this group.
func (e EventGroup[T]) Publish(action EventAction, data T) {
	eventbus.Publish(e.ID.Value(), Event[T]{e.ID, action, data})
}

// Subscribe subscribes to this event group. The returned boolean is false
// when the event bus has been drained and no events will be delivered.
func (e EventGroup[T]) Subscribe() (*Subscriber[T], bool) {
	id := eventbus.Subscribe(e.ID.Value())

	sub := Subscriber[T]{
		Events:      make(chan Event[T], 1),
		Done:        make(chan struct{}, 1),
		Unsubscribe: id.Unsubscribe,
	}

	if !id.IsActive() {
		close(sub.Events)
		return &sub, false
	}

	go func() {
		for data := range id.C {
			ev, ok := data.(Event[T])
			if !ok {
				continue
			}

			select {
			case sub.Events <- ev:
			default:
			}
		}

		select {
		case sub.Done <- struct{}{}:
		default:
		}

		close(sub.Events)
	}()

	return &sub, true
}

// ConnectionEvents returns an event interface to subscribe to central
// connection events. The added action indicates a new connection, the
// removed action a disconnection.
func ConnectionEvents() EventGroup[ConnectionEventData] {
	return EventGroup[ConnectionEventData]{ID: EventConnection}
}

// SettingsEvents returns an event interface to subscribe to controller
// settings changes.
func SettingsEvents() EventGroup[SettingsEventData] {
	return EventGroup[SettingsEventData]{ID: EventSettings}
}

// ErrorEvents returns an event interface to subscribe to error events.
func ErrorEvents() EventGroup[errorkinds.GenericError] {
	return EventGroup[errorkinds.GenericError]{ID: EventError}
}

// ErrorEvent wraps an error into a publishable error event.
func ErrorEvent(err error) Event[errorkinds.GenericError] {
	return Event[errorkinds.GenericError]{
		ID:     EventError,
		Action: EventActionAdded,
		Data:   errorkinds.GenericError{Message: err.Error()},
	}
}

// Publish publishes this event to all subscribers of its group.
func (e Event[T]) Publish() {
	eventbus.Publish(e.ID.Value(), e)
}
