package ari

// Event kinds the orchestrator consumes. Everything else on the stream is
// ignored.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventEndpointStateChange = "EndpointStateChange"
)

// Endpoint states reported by the engine. "online" means at least one
// contact is registered.
const (
	EndpointOnline  = "online"
	EndpointOffline = "offline"
	EndpointUnknown = "unknown"
)

// Endpoint is the engine's view of a SIP account.
type Endpoint struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"`
}

// Event is one decoded message from the engine's event stream. Only the
// fields the orchestrator reads are mapped; unknown fields are dropped by
// the decoder.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Args        []string  `json:"args,omitempty"`
	Channel     *Channel  `json:"channel,omitempty"`
	Endpoint    *Endpoint `json:"endpoint,omitempty"`
}
