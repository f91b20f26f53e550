package events

// MessageType identifies the kind of payload carried by a Message pushed
// to dashboard subscribers over /ws/events.
type MessageType string

const (
	MsgSlaveStatus           MessageType = "slave_status"
	MsgAgentStatus           MessageType = "agent_status"
	MsgHumanRequestCreated   MessageType = "human_request_created"
	MsgInstallationProgress  MessageType = "installation_progress"
	MsgPing                  MessageType = "ping"
)

// Message is the envelope written to every websocket subscriber.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
