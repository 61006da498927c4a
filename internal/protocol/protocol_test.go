package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob() JobIdentifier {
	return JobIdentifier{
		PipelineName:    "P1",
		PipelineCounter: 1,
		StageName:       "S1",
		StageCounter:    1,
		JobName:         "J1",
		BuildID:         42,
	}
}

func TestBuildLocatorRoundTrip(t *testing.T) {
	job := testJob()
	assert.Equal(t, "P1/1/S1/1/J1/42", job.BuildLocator())
	assert.Equal(t, "P1/1/S1/1/J1", job.DisplayLocator())

	parsed, err := ParseBuildLocator(job.BuildLocator())
	require.NoError(t, err)
	assert.Equal(t, job, parsed)
}

func TestParseBuildLocatorRejectsMalformed(t *testing.T) {
	for _, locator := range []string{"", "P1/1/S1/1/J1", "P1/x/S1/1/J1/1", "P1/1/S1/1/J1/abc", "/1/S1/1/J1/1"} {
		_, err := ParseBuildLocator(locator)
		assert.ErrorIs(t, err, ErrInvalidBuildLocator, locator)
	}
}

func TestSameJobIgnoresBuildID(t *testing.T) {
	a := testJob()
	b := testJob()
	b.BuildID = 43
	assert.True(t, a.SameJob(b))
	assert.NotEqual(t, a.BuildLocator(), b.BuildLocator())
}

func TestJobStateOrdering(t *testing.T) {
	assert.Less(t, JobScheduled.Order(), JobAssigned.Order())
	assert.Less(t, JobAssigned.Order(), JobPreparing.Order())
	assert.Less(t, JobPreparing.Order(), JobBuilding.Order())
	assert.Less(t, JobBuilding.Order(), JobCompleting.Order())
	assert.Less(t, JobCompleting.Order(), JobCompleted.Order())

	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobRescheduled.IsTerminal())
	assert.True(t, JobBuilding.IsActive())
	assert.False(t, JobScheduled.IsActive())
	assert.False(t, JobCompleted.IsActive())
}

func TestWorkEnvelopeVariants(t *testing.T) {
	build := BuildWork{Assignment: BuildAssignment{Job: testJob(), Commands: []string{"make test"}}}

	for _, w := range []Work{build, NoWork{}, DeniedAgentWork{Reason: "disabled"}, UnregisteredAgentWork{Reason: "pending"}} {
		data, err := MarshalWork(w)
		require.NoError(t, err)

		decoded, err := UnmarshalWork(data)
		require.NoError(t, err)
		assert.Equal(t, w, decoded)
	}
}

func TestUnmarshalWorkRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalWork([]byte(`{"type":"teleport"}`))
	assert.Error(t, err)

	_, err = UnmarshalWork([]byte(`{"type":"build"}`))
	assert.Error(t, err)
}

func TestRuntimeInfoJSONShape(t *testing.T) {
	info := AgentRuntimeInfo{
		Identity:      AgentIdentity{UUID: "A1", Hostname: "host", IPAddress: "10.0.0.1"},
		RuntimeStatus: RuntimeBuilding,
		BuildLocator:  testJob().BuildLocator(),
		Cookie:        "C1",
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Building", raw["runtimeStatus"])
	assert.Equal(t, "C1", raw["cookie"])
	assert.Equal(t, "A1", raw["identifier"].(map[string]any)["uuid"])
}

func TestRuntimeInfoValidate(t *testing.T) {
	info := AgentRuntimeInfo{Identity: AgentIdentity{UUID: "A1"}, RuntimeStatus: RuntimeIdle}
	assert.NoError(t, info.Validate())

	info.BuildLocator = "garbage"
	assert.Error(t, info.Validate())

	info = AgentRuntimeInfo{RuntimeStatus: RuntimeIdle}
	assert.Error(t, info.Validate())

	info = AgentRuntimeInfo{Identity: AgentIdentity{UUID: "A1"}, RuntimeStatus: "Sleeping"}
	assert.Error(t, info.Validate())
}
