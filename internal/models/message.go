package models

// ContentClass is the pricing class of a relayed message.
type ContentClass string

const (
	ContentText     ContentClass = "text"
	ContentPhoto    ContentClass = "photo"
	ContentVideo    ContentClass = "video"
	ContentDocument ContentClass = "document"
)

// Content references a message on the chat surface so it can be copied
// between chats without re-uploading media.
type Content struct {
	Class           ContentClass
	Text            string
	SourceChatID    int64
	SourceMessageID int
}

// InboundMessage is a message written by an end-user.
type InboundMessage struct {
	AccountID   int64
	Username    string
	DisplayName string
	Content     Content
}

// OperatorReply is a message written by an operator in the operator chat.
// ThreadHandle is zero for replies outside any thread, in which case the
// replied-to message is used for correlation.
type OperatorReply struct {
	ThreadHandle     int
	ReplyToMessageID int
	Content          Content
}

// RelayResult describes a successful user to operator relay.
type RelayResult struct {
	ThreadHandle int
	State        ThreadState
	// OperatorMessageID is the id of the copy delivered operator-side.
	OperatorMessageID int
	Charged           int64
	Balance           int64
	Tier              Tier
}
