package model

import "time"

// Stage names the pipeline stages in processing order. Each stage is an
// independent queue consumer.
type Stage string

const (
	StageSentinel Stage = "sentinel"
	StageScout    Stage = "scout"
	StageRouter   Stage = "router"
	StageOCR      Stage = "ocr"
	StageExtract  Stage = "extract"
	StageCompose  Stage = "compose"
	StageApply    Stage = "apply"
	StageReview   Stage = "review"
	StageArbiter  Stage = "arbiter"
	StageRelease  Stage = "release"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{
	StageSentinel, StageScout, StageRouter, StageOCR, StageExtract,
	StageCompose, StageApply, StageReview, StageArbiter, StageRelease,
}

// Job is the envelope every stage queue carries. RunID correlates all jobs
// spawned from one ingestion run; ParentJobID is the job that produced this
// one, so a unit of evidence is traceable end to end.
type Job struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ParentJobID string    `json:"parent_job_id,omitempty"`
	Stage       Stage     `json:"stage"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// Exactly one of the payload groups below is populated, depending on
	// the stage.
	Evidence         *Evidence        `json:"evidence,omitempty"`
	Scout            *ScoutResult     `json:"scout,omitempty"`
	Decision         *RoutingDecision `json:"decision,omitempty"`
	Provider         Provider         `json:"llm_provider,omitempty"`
	CandidateFactIDs []string         `json:"candidate_fact_ids,omitempty"`
}

// Child creates a follow-on job for the next stage, preserving the run
// correlation and recording this job as the parent.
func (j Job) Child(id string, stage Stage) Job {
	return Job{
		ID:          id,
		RunID:       j.RunID,
		ParentJobID: j.ID,
		Stage:       stage,
		Evidence:    j.Evidence,
		Scout:       j.Scout,
	}
}
