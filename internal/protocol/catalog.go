package protocol

// Transport messages. Ping and pong exist in both directions: a client-initiated ping is
// answered with a pong push, and a server heartbeat ping push is answered with a pong request.
var (
	TypePingRequest = MustCompose(DomainTransport, DirectionRequest, 0, 1)
	TypePongRequest = MustCompose(DomainTransport, DirectionRequest, 0, 2)
	TypePingPush    = MustCompose(DomainTransport, DirectionPush, 0, 1)
	TypePongPush    = MustCompose(DomainTransport, DirectionPush, 0, 2)
	TypeErrorPush   = MustCompose(DomainTransport, DirectionPush, 0, 3)
)

// Application messages handled by injected router handlers.
var (
	TypeMatchmakingEnqueue = MustCompose(DomainMatchmaking, DirectionRequest, 0, 1)
	TypeMatchmakingCancel  = MustCompose(DomainMatchmaking, DirectionRequest, 0, 2)
	TypeMatchFound         = MustCompose(DomainMatchmaking, DirectionPush, 0, 1)
	TypeSessionJoin        = MustCompose(DomainSession, DirectionRequest, 0, 1)
	TypeGameplayInput      = MustCompose(DomainGameplay, DirectionRequest, 0, 1)
	TypeChatSend           = MustCompose(DomainSocial, DirectionRequest, 0, 1)
	TypeChatPush           = MustCompose(DomainSocial, DirectionPush, 0, 1)
)

// IsHeartbeat reports whether t is handled by the transport layer itself.
func IsHeartbeat(t MessageType) bool {
	switch t {
	case TypePingRequest, TypePongRequest, TypePingPush, TypePongPush:
		return true
	}
	return false
}

// Ping carries the id used to correlate the matching pong for RTT measurement.
type Ping struct {
	PingID uint64 `json:"ping_id" msgpack:"ping_id"`
	SentAt int64  `json:"sent_at" msgpack:"sent_at"` // sender unix ms
}

// Pong echoes the ping id it answers.
type Pong struct {
	PingID     uint64 `json:"ping_id" msgpack:"ping_id"`
	PingSentAt int64  `json:"ping_sent_at" msgpack:"ping_sent_at"`
	ServerTime int64  `json:"server_time,omitempty" msgpack:"server_time,omitempty"`
}

// Error codes carried by ErrorPush.
const (
	ErrorCodeBackpressure = "backpressure"
	ErrorCodeNoHandler    = "no_handler"
	ErrorCodeInternal     = "internal"
)

// ErrorPush reports a request failure back to the client.
type ErrorPush struct {
	Code          string `json:"code" msgpack:"code"`
	Message       string `json:"message" msgpack:"message"`
	CorrelationID uint64 `json:"correlation_id" msgpack:"correlation_id"`
	Retryable     bool   `json:"retryable" msgpack:"retryable"`
}

type MatchmakingEnqueue struct {
	Queue  string `json:"queue" msgpack:"queue"`
	Rating int32  `json:"rating" msgpack:"rating"`
	Region string `json:"region,omitempty" msgpack:"region,omitempty"`
}

type MatchmakingCancel struct {
	Queue string `json:"queue" msgpack:"queue"`
}

type MatchFound struct {
	MatchID string   `json:"match_id" msgpack:"match_id"`
	Players []string `json:"players" msgpack:"players"`
}

type SessionJoin struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
}

// GameplayInput is one lockstep input frame.
type GameplayInput struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	Tick      uint32 `json:"tick" msgpack:"tick"`
	Input     []byte `json:"input" msgpack:"input"`
}

type ChatSend struct {
	To   string `json:"to" msgpack:"to"`
	Text string `json:"text" msgpack:"text"`
}

type ChatPush struct {
	From string `json:"from" msgpack:"from"`
	Text string `json:"text" msgpack:"text"`
}

// DefaultCatalog is the static payload table of the gateway protocol.
func DefaultCatalog() []PayloadSpec {
	return []PayloadSpec{
		Spec[Ping](TypePingRequest, "transport.ping"),
		Spec[Pong](TypePongRequest, "transport.pong"),
		Spec[Ping](TypePingPush, "transport.ping_push"),
		Spec[Pong](TypePongPush, "transport.pong_push"),
		Spec[ErrorPush](TypeErrorPush, "transport.error"),
		Spec[MatchmakingEnqueue](TypeMatchmakingEnqueue, "matchmaking.enqueue"),
		Spec[MatchmakingCancel](TypeMatchmakingCancel, "matchmaking.cancel"),
		Spec[MatchFound](TypeMatchFound, "matchmaking.match_found"),
		Spec[SessionJoin](TypeSessionJoin, "session.join"),
		Spec[GameplayInput](TypeGameplayInput, "gameplay.input"),
		Spec[ChatSend](TypeChatSend, "social.chat_send"),
		Spec[ChatPush](TypeChatPush, "social.chat_push"),
	}
}

// NewDefaultRegistry builds the registry for DefaultCatalog.
func NewDefaultRegistry(opts ...RegistryOption) *TypeRegistry {
	r, err := NewTypeRegistry(DefaultCatalog(), opts...)
	if err != nil {
		// The catalog is static; a duplicate is a programming error.
		panic(err)
	}
	return r
}
