package moderation

// FlaggedMessage is the review record kept for a flagged room message.
type FlaggedMessage struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Reason    string `json:"reason"`
	Term      string `json:"term"`
	Excerpt   string `json:"excerpt"`
	Ts        int64  `json:"ts"`
}
