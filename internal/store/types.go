package store

// UserID identifies a user across federated domains.
type UserID struct {
	UUID   string `db:"user_uuid"`
	Domain string `db:"user_domain"`
}

// Chat is a 1:1 connection or group conversation.
type Chat struct {
	ChatID          string `db:"chat_id"`
	GroupID         string `db:"group_id"`
	IsIncoming      bool   `db:"is_incoming"`
	Title           string `db:"title"`
	ConnectionState string `db:"connection_state"` // empty for plain group chats
	CreatedAt       int64  `db:"created_at"`
	LastReadAt      int64  `db:"last_read_at"`
}

// UserProfile is cached data about a user we share a chat with.
type UserProfile struct {
	UserID
	DisplayName string `db:"display_name"`
	CreatedAt   int64  `db:"created_at"`
}

// OwnClient is the local user's identity and push payload key.
type OwnClient struct {
	UserID
	PushEARKey []byte
}

// Message is a stored chat message. Body is plaintext after loading.
type Message struct {
	MessageID string `db:"message_id"`
	ChatID    string `db:"chat_id"`
	Title     string `db:"title"`
	Body      string `db:"-"`
	SentAt    int64  `db:"sent_at"`
	IsRead    bool   `db:"is_read"`
	CreatedAt int64  `db:"created_at"`
}

// OperationType is the kind of commit or proposal awaiting the server.
type OperationType string

const (
	OperationLeave  OperationType = "leave"
	OperationDelete OperationType = "delete"
	OperationOther  OperationType = "other"
)

// RequestStatus tracks where a pending operation is in its round trip.
type RequestStatus string

const (
	StatusWaitingForQueueResponse RequestStatus = "waiting_for_queue_response"
	StatusReadyToRetry            RequestStatus = "ready_to_retry"
)

// PendingChatOperation is an outstanding group operation. At most one exists
// per group.
type PendingChatOperation struct {
	GroupID          string        `db:"group_id"`
	OperationType    OperationType `db:"operation_type"`
	OperationData    []byte        `db:"operation_data"`
	LastAttempt      int64         `db:"last_attempt"`
	NumberOfAttempts int           `db:"number_of_attempts"`
	LockedBy         string        `db:"locked_by"`
	LockedAt         int64         `db:"locked_at"`
	RequestStatus    RequestStatus `db:"request_status"`
	RetryDueAt       int64         `db:"retry_due_at"`
	CreatedAt        int64         `db:"created_at"`
}

// PendingConnection is the stored handshake payload for an invitation that
// has not been accepted. The hashes are only set for handle invitations.
type PendingConnection struct {
	ChatID                string `db:"chat_id"`
	CreatedAt             int64  `db:"created_at"`
	ConnectionInfo        []byte `db:"connection_info"`
	Handle                string `db:"handle"`
	ConnectionOfferHash   []byte `db:"connection_offer_hash"`
	ConnectionPackageHash []byte `db:"connection_package_hash"`
}

// UsernameContact is a contact reached through a username handle.
type UsernameContact struct {
	ChatID                  string `db:"chat_id"`
	Username                string `db:"username"`
	FriendshipPackageEARKey []byte `db:"friendship_package_ear_key"`
	CreatedAt               int64  `db:"created_at"`
	ConnectionOfferHash     []byte `db:"connection_offer_hash"`
}

// TargetedMessageContact is a contact reached through a targeted message.
// The embedded UserID is the sender.
type TargetedMessageContact struct {
	UserID
	ChatID                  string `db:"chat_id"`
	FriendshipPackageEARKey []byte `db:"friendship_package_ear_key"`
	CreatedAt               int64  `db:"created_at"`
}

// PushTokenOperator is the push provider a token belongs to.
type PushTokenOperator int

const (
	OperatorApple  PushTokenOperator = 0
	OperatorGoogle PushTokenOperator = 1
)

func (o PushTokenOperator) String() string {
	switch o {
	case OperatorApple:
		return "apple"
	case OperatorGoogle:
		return "google"
	default:
		return "unknown"
	}
}

// PushTokenState is the singleton push token record.
type PushTokenState struct {
	Operator      PushTokenOperator
	Token         string
	UpdatedAt     int64
	PendingUpdate bool
}

// StoreNotification tells the foreground which entity the background
// context touched.
type StoreNotification struct {
	ID        int64  `db:"id"`
	Kind      string `db:"kind"`
	EntityID  string `db:"entity_id"`
	CreatedAt int64  `db:"created_at"`
}
