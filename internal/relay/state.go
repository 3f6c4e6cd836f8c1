package relay

// State is a stage of a single relay execution.
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateQuotaChecking
	StateConversationAssembling
	StateStreaming
	StateFinalizing
	StateDone
	StateErrored
)

var stateNames = [...]string{
	StateIdle:                   "idle",
	StateAuthorizing:            "authorizing",
	StateQuotaChecking:          "quota_checking",
	StateConversationAssembling: "conversation_assembling",
	StateStreaming:              "streaming",
	StateFinalizing:             "finalizing",
	StateDone:                   "done",
	StateErrored:                "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
