package protocol

// Request bodies for the agent remoting endpoints. Every request embeds the
// caller's runtime snapshot.

type PingRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
}

type GetCookieRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
}

type GetCookieResponse struct {
	Cookie string `json:"cookie"`
}

type GetWorkRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
}

type IsIgnoredRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
	Job         JobIdentifier    `json:"jobIdentifier"`
}

type IsIgnoredResponse struct {
	Ignored bool `json:"ignored"`
}

type ReportStatusRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
	Job         JobIdentifier    `json:"jobIdentifier"`
	State       JobState         `json:"jobState"`
}

type ReportResultRequest struct {
	RuntimeInfo AgentRuntimeInfo `json:"agentRuntimeInfo"`
	Job         JobIdentifier    `json:"jobIdentifier"`
	Result      JobResult        `json:"jobResult"`
}

// ConsoleChunk carries console lines Seq..Seq+len(Lines)-1 of one build.
type ConsoleChunk struct {
	AgentUUID string   `json:"agent_uuid"`
	BuildID   int64    `json:"build_id"`
	Seq       int64    `json:"seq"`
	Lines     []string `json:"lines"`
}

type ConsoleAck struct {
	NextSeq int64 `json:"next_seq"`
	Ignored bool  `json:"ignored"`
}

const (
	// ConsoleAppendMethod is the full gRPC method name of the console
	// side-channel.
	ConsoleAppendMethod = "/silodispatch.ConsoleService/Append"

	// AgentGUIDMetadataKey carries the agent UUID in gRPC metadata.
	AgentGUIDMetadataKey = "x-agent-guid"
)
