package model

// Event names published on the notification bus.
const (
	EventNewSketch    = "new-sketch"
	EventRemoveSketch = "remove-sketch"
	EventRemoveAll    = "remove-all"
)

// Event is one fire-and-forget notification.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}
