package handbrake

// State is the connection state of a device.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Event is published by the device reader for every recognised line.
// Err is set once, on the last event, when the reader stopped on a port failure.
type Event struct {
	Line Line
	Err  error
}

// Device defines the interface for handbrake controllers.
type Device interface {
	Connect() error
	Close() error
	Send(cmd Command) error
	Events() <-chan Event
	State() State
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)
