package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type WorkType string

const (
	WorkTypeBuild        WorkType = "build"
	WorkTypeNone         WorkType = "no_work"
	WorkTypeDenied       WorkType = "denied"
	WorkTypeUnregistered WorkType = "unregistered"
)

// Work is the getWork response. It is closed over the four variants below;
// consumers switch on the concrete type.
type Work interface {
	Type() WorkType
	isWork()
}

// BuildAssignment is everything an agent needs to run one job.
type BuildAssignment struct {
	Job                  JobIdentifier     `json:"job"`
	Commands             []string          `json:"commands"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
}

type BuildWork struct {
	Assignment BuildAssignment
}

type NoWork struct{}

type DeniedAgentWork struct {
	Reason string
}

type UnregisteredAgentWork struct {
	Reason string
}

func (BuildWork) Type() WorkType             { return WorkTypeBuild }
func (NoWork) Type() WorkType                { return WorkTypeNone }
func (DeniedAgentWork) Type() WorkType       { return WorkTypeDenied }
func (UnregisteredAgentWork) Type() WorkType { return WorkTypeUnregistered }

func (BuildWork) isWork()             {}
func (NoWork) isWork()                {}
func (DeniedAgentWork) isWork()       {}
func (UnregisteredAgentWork) isWork() {}

// WorkEnvelope is the wire form of Work.
type WorkEnvelope struct {
	Type   WorkType         `json:"type"`
	Build  *BuildAssignment `json:"build,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func EnvelopeWork(w Work) WorkEnvelope {
	switch v := w.(type) {
	case BuildWork:
		assignment := v.Assignment
		return WorkEnvelope{Type: WorkTypeBuild, Build: &assignment}
	case DeniedAgentWork:
		return WorkEnvelope{Type: WorkTypeDenied, Reason: v.Reason}
	case UnregisteredAgentWork:
		return WorkEnvelope{Type: WorkTypeUnregistered, Reason: v.Reason}
	default:
		return WorkEnvelope{Type: WorkTypeNone}
	}
}

func (e WorkEnvelope) Work() (Work, error) {
	switch e.Type {
	case WorkTypeBuild:
		if e.Build == nil {
			return nil, fmt.Errorf("build work without assignment")
		}
		return BuildWork{Assignment: *e.Build}, nil
	case WorkTypeNone:
		return NoWork{}, nil
	case WorkTypeDenied:
		return DeniedAgentWork{Reason: e.Reason}, nil
	case WorkTypeUnregistered:
		return UnregisteredAgentWork{Reason: e.Reason}, nil
	default:
		return nil, fmt.Errorf("unknown work type: %q", e.Type)
	}
}

func MarshalWork(w Work) ([]byte, error) {
	return json.Marshal(EnvelopeWork(w))
}

func UnmarshalWork(data []byte) (Work, error) {
	var e WorkEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode work: %w", err)
	}
	return e.Work()
}
