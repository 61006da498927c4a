package protocol

import (
	"fmt"
	"strings"
)

// AgentGUIDHeader carries the calling agent's UUID on every protocol request.
const AgentGUIDHeader = "X-Agent-GUID"

type AgentRuntimeStatus string

const (
	RuntimeIdle        AgentRuntimeStatus = "Idle"
	RuntimeBuilding    AgentRuntimeStatus = "Building"
	RuntimeCancelled   AgentRuntimeStatus = "Cancelled"
	RuntimeLostContact AgentRuntimeStatus = "LostContact"
	RuntimeMissing     AgentRuntimeStatus = "Missing"
	RuntimeUnknown     AgentRuntimeStatus = "Unknown"
)

func ParseAgentRuntimeStatus(s string) (AgentRuntimeStatus, error) {
	switch AgentRuntimeStatus(s) {
	case RuntimeIdle, RuntimeBuilding, RuntimeCancelled, RuntimeLostContact, RuntimeMissing, RuntimeUnknown:
		return AgentRuntimeStatus(s), nil
	case "":
		return RuntimeUnknown, nil
	default:
		return RuntimeUnknown, fmt.Errorf("invalid agent runtime status: %s", s)
	}
}

// Reachable reports whether an agent in this status may be handed new work.
func (s AgentRuntimeStatus) Reachable() bool {
	return s != RuntimeLostContact && s != RuntimeMissing
}

type AgentConfigStatus string

const (
	ConfigEnabled  AgentConfigStatus = "Enabled"
	ConfigDisabled AgentConfigStatus = "Disabled"
	ConfigPending  AgentConfigStatus = "Pending"
)

func ParseAgentConfigStatus(s string) (AgentConfigStatus, error) {
	switch AgentConfigStatus(s) {
	case ConfigEnabled, ConfigDisabled, ConfigPending:
		return AgentConfigStatus(s), nil
	default:
		return "", fmt.Errorf("invalid agent config status: %s", s)
	}
}

// AgentIdentity is fixed at agent startup and never changes for the life of
// the process.
type AgentIdentity struct {
	UUID      string `json:"uuid"`
	Hostname  string `json:"hostName"`
	IPAddress string `json:"ipAddress"`
	Location  string `json:"location"`
}

// AutoRegistration is the registration proposal an agent sends until the
// server knows it.
type AutoRegistration struct {
	Key              string   `json:"key"`
	Resources        []string `json:"resources,omitempty"`
	Environments     []string `json:"environments,omitempty"`
	ElasticProfileID string   `json:"elasticProfileId,omitempty"`
}

// AgentRuntimeInfo is the snapshot an agent builds before every outbound
// call. The server keeps only the latest one per UUID.
type AgentRuntimeInfo struct {
	Identity        AgentIdentity      `json:"identifier"`
	RuntimeStatus   AgentRuntimeStatus `json:"runtimeStatus"`
	ConfigStatus    AgentConfigStatus  `json:"configStatus,omitempty"`
	UsableSpace     int64              `json:"usableSpace"`
	BuildLocator    string             `json:"buildLocator,omitempty"`
	Cookie          string             `json:"cookie"`
	OperatingSystem string             `json:"operatingSystemName,omitempty"`
	AutoRegister    *AutoRegistration  `json:"autoRegister,omitempty"`
}

func (i *AgentRuntimeInfo) UUID() string {
	return i.Identity.UUID
}

func (i *AgentRuntimeInfo) Validate() error {
	if strings.TrimSpace(i.Identity.UUID) == "" {
		return fmt.Errorf("agent uuid is required")
	}
	if _, err := ParseAgentRuntimeStatus(string(i.RuntimeStatus)); err != nil {
		return err
	}
	if i.BuildLocator != "" {
		if _, err := ParseBuildLocator(i.BuildLocator); err != nil {
			return err
		}
	}
	return nil
}

type InstructionAction string

const (
	ActionNone             InstructionAction = "NONE"
	ActionCancel           InstructionAction = "CANCEL"
	ActionKillRunningTasks InstructionAction = "KILL_RUNNING_TASKS"
)

// AgentInstruction is the ping response.
type AgentInstruction struct {
	Action InstructionAction `json:"action"`
	Cookie string            `json:"cookie,omitempty"`
}

func (i AgentInstruction) ShouldCancel() bool {
	return i.Action == ActionCancel || i.Action == ActionKillRunningTasks
}
