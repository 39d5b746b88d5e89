package event

// Type is the closed set of event kinds relayed over the broker. Adding a kind
// means adding a constant here, its payload type below and a field on
// router.Handlers.
type Type string

const (
	TypeUserConnected             Type = "USER_CONNECTED"
	TypeUserDisconnected          Type = "USER_DISCONNECTED"
	TypeVisitorConnected          Type = "VISITOR_CONNECTED"
	TypeVisitorDisconnected       Type = "VISITOR_DISCONNECTED"
	TypeUserPresenceUpdate        Type = "USER_PRESENCE_UPDATE"
	TypeNewMessage                Type = "NEW_MESSAGE"
	TypeNewConversation           Type = "NEW_CONVERSATION"
	TypeConversationSeen          Type = "CONVERSATION_SEEN"
	TypeConversationTyping        Type = "CONVERSATION_TYPING"
	TypeConversationStatusUpdated Type = "CONVERSATION_STATUS_UPDATED"
)

var knownTypes = []Type{
	TypeUserConnected,
	TypeUserDisconnected,
	TypeVisitorConnected,
	TypeVisitorDisconnected,
	TypeUserPresenceUpdate,
	TypeNewMessage,
	TypeNewConversation,
	TypeConversationSeen,
	TypeConversationTyping,
	TypeConversationStatusUpdated,
}

var knownTypeSet = func() map[Type]struct{} {
	set := make(map[Type]struct{}, len(knownTypes))
	for _, t := range knownTypes {
		set[t] = struct{}{}
	}
	return set
}()

// Types returns every known event kind.
func Types() []Type {
	out := make([]Type, len(knownTypes))
	copy(out, knownTypes)
	return out
}

func (t Type) Valid() bool {
	_, ok := knownTypeSet[t]
	return ok
}

func (t Type) String() string { return string(t) }

// ConnectionData is carried by USER_CONNECTED/DISCONNECTED and
// VISITOR_CONNECTED/DISCONNECTED.
type ConnectionData struct {
	ConnectionID string `json:"connectionId"`
	PrincipalID  string `json:"principalId,omitempty"`
	WebsiteID    string `json:"websiteId"`
	At           int64  `json:"at"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

type UserPresenceData struct {
	UserID    string         `json:"userId"`
	WebsiteID string         `json:"websiteId"`
	Status    PresenceStatus `json:"status"`
	LastSeen  int64          `json:"lastSeen"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId,omitempty"`
	AuthorKind     string `json:"authorKind,omitempty"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"createdAt"`
}

type NewMessageData struct {
	WebsiteID      string  `json:"websiteId"`
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type NewConversationData struct {
	WebsiteID      string `json:"websiteId"`
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

type ConversationSeenData struct {
	WebsiteID      string `json:"websiteId"`
	ConversationID string `json:"conversationId"`
	PrincipalID    string `json:"principalId"`
	LastSeenAt     int64  `json:"lastSeenAt"`
}

type ConversationTypingData struct {
	WebsiteID      string `json:"websiteId"`
	ConversationID string `json:"conversationId"`
	PrincipalID    string `json:"principalId,omitempty"`
	PrincipalKind  string `json:"principalKind"`
	IsTyping       bool   `json:"isTyping"`
	Preview        string `json:"preview,omitempty"`
}

type ConversationStatusData struct {
	WebsiteID      string `json:"websiteId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	UpdatedAt      int64  `json:"updatedAt"`
}
