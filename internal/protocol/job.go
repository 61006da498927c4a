package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidBuildLocator = errors.New("invalid build locator")

// JobIdentifier names one scheduled job instance. BuildID is unique per
// instance; a rescheduled job keeps its names but gets a new BuildID.
type JobIdentifier struct {
	PipelineName    string `json:"pipelineName"`
	PipelineCounter int    `json:"pipelineCounter"`
	StageName       string `json:"stageName"`
	StageCounter    int    `json:"stageCounter"`
	JobName         string `json:"buildName"`
	BuildID         int64  `json:"buildId"`
}

func (j JobIdentifier) Validate() error {
	if j.PipelineName == "" || j.StageName == "" || j.JobName == "" {
		return fmt.Errorf("pipeline, stage and job names are required")
	}
	if j.PipelineCounter < 1 || j.StageCounter < 1 {
		return fmt.Errorf("pipeline and stage counters must be positive")
	}
	for _, part := range []string{j.PipelineName, j.StageName, j.JobName} {
		if strings.Contains(part, "/") {
			return fmt.Errorf("name %q must not contain '/'", part)
		}
	}
	return nil
}

// BuildLocator renders pipeline/counter/stage/counter/job/buildId.
func (j JobIdentifier) BuildLocator() string {
	return fmt.Sprintf("%s/%d/%s/%d/%s/%d",
		j.PipelineName, j.PipelineCounter, j.StageName, j.StageCounter, j.JobName, j.BuildID)
}

// DisplayLocator omits the build id.
func (j JobIdentifier) DisplayLocator() string {
	return fmt.Sprintf("%s/%d/%s/%d/%s",
		j.PipelineName, j.PipelineCounter, j.StageName, j.StageCounter, j.JobName)
}

func (j JobIdentifier) String() string {
	return j.BuildLocator()
}

// SameJob reports whether both identifiers name the same pipeline job,
// ignoring the instance build id.
func (j JobIdentifier) SameJob(other JobIdentifier) bool {
	return j.DisplayLocator() == other.DisplayLocator()
}

func ParseBuildLocator(locator string) (JobIdentifier, error) {
	parts := strings.Split(locator, "/")
	if len(parts) != 6 {
		return JobIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidBuildLocator, locator)
	}
	pipelineCounter, err := strconv.Atoi(parts[1])
	if err != nil {
		return JobIdentifier{}, fmt.Errorf("%w: pipeline counter %q", ErrInvalidBuildLocator, parts[1])
	}
	stageCounter, err := strconv.Atoi(parts[3])
	if err != nil {
		return JobIdentifier{}, fmt.Errorf("%w: stage counter %q", ErrInvalidBuildLocator, parts[3])
	}
	buildID, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return JobIdentifier{}, fmt.Errorf("%w: build id %q", ErrInvalidBuildLocator, parts[5])
	}
	id := JobIdentifier{
		PipelineName:    parts[0],
		PipelineCounter: pipelineCounter,
		StageName:       parts[2],
		StageCounter:    stageCounter,
		JobName:         parts[4],
		BuildID:         buildID,
	}
	if err := id.Validate(); err != nil {
		return JobIdentifier{}, fmt.Errorf("%w: %v", ErrInvalidBuildLocator, err)
	}
	return id, nil
}

type JobState string

const (
	JobScheduled   JobState = "Scheduled"
	JobAssigned    JobState = "Assigned"
	JobPreparing   JobState = "Preparing"
	JobBuilding    JobState = "Building"
	JobCompleting  JobState = "Completing"
	JobCompleted   JobState = "Completed"
	JobRescheduled JobState = "Rescheduled"
)

var jobStateOrder = map[JobState]int{
	JobScheduled:   0,
	JobAssigned:    1,
	JobPreparing:   2,
	JobBuilding:    3,
	JobCompleting:  4,
	JobCompleted:   5,
	JobRescheduled: 5,
}

func ParseJobState(s string) (JobState, error) {
	if _, ok := jobStateOrder[JobState(s)]; !ok {
		return "", fmt.Errorf("invalid job state: %s", s)
	}
	return JobState(s), nil
}

// Order is the position of the state in the monotonic job lifecycle.
func (s JobState) Order() int {
	return jobStateOrder[s]
}

func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobRescheduled
}

// IsActive is true while an agent holds the job.
func (s JobState) IsActive() bool {
	switch s {
	case JobAssigned, JobPreparing, JobBuilding, JobCompleting:
		return true
	}
	return false
}

type JobResult string

const (
	ResultUnknown   JobResult = "Unknown"
	ResultPassed    JobResult = "Passed"
	ResultFailed    JobResult = "Failed"
	ResultCancelled JobResult = "Cancelled"
)

func ParseJobResult(s string) (JobResult, error) {
	switch JobResult(s) {
	case ResultUnknown, ResultPassed, ResultFailed, ResultCancelled:
		return JobResult(s), nil
	case "":
		return ResultUnknown, nil
	default:
		return "", fmt.Errorf("invalid job result: %s", s)
	}
}
