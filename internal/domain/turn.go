package domain

// SessionStart is the remote step generator's answer to a new lesson session.
type SessionStart struct {
	FirstMessage *Message `json:"firstMessage,omitempty"`
	NextStep     Step     `json:"nextStep"`
}

// TurnReply is the answer to one turn. Messages may be empty when the
// backend only persists the reply and leaves delivery to history and the
// realtime feed.
type TurnReply struct {
	NextStep Step      `json:"nextStep"`
	Messages []Message `json:"messages,omitempty"`
}
