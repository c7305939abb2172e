package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type        string   `json:"type"`
	JobID       string   `json:"jobId"`
	Progress    int      `json:"progress"`
	State       JobState `json:"state"`
	CurrentStep string   `json:"currentStep,omitempty"`
}
