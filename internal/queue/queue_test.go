package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/resilience"
)

func TestBrokerEnqueueDequeue(t *testing.T) {
	b := NewBroker(4)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, model.Job{RunID: "run-1", Stage: model.StageScout}))
	require.NoError(t, b.Enqueue(ctx, model.Job{RunID: "run-2", Stage: model.StageScout}))
	assert.Equal(t, 2, b.Depth(model.StageScout))
	assert.Equal(t, 0, b.Depth(model.StageExtract))

	job := <-b.Chan(model.StageScout)
	assert.Equal(t, "run-1", job.RunID)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())
	assert.Equal(t, 1, b.Depth(model.StageScout))
}

func TestBrokerUnknownStage(t *testing.T) {
	b := NewBroker(4)
	err := b.Enqueue(context.Background(), model.Job{Stage: model.Stage("mystery")})
	require.Error(t, err)
}

func TestBrokerEnqueueBlocksUntilCancel(t *testing.T) {
	b := NewBroker(1)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, model.Job{Stage: model.StageOCR}))

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Enqueue(shortCtx, model.Job{Stage: model.StageOCR})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerClosedRejectsNewWork(t *testing.T) {
	b := NewBroker(4)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, model.Job{Stage: model.StageRouter}))

	b.Close()
	err := b.Enqueue(ctx, model.Job{Stage: model.StageRouter})
	assert.ErrorIs(t, err, ErrClosed)

	// Already queued jobs still drain.
	assert.Equal(t, 1, b.Depth(model.StageRouter))
	<-b.Chan(model.StageRouter)
}

func TestJobChildKeepsCorrelation(t *testing.T) {
	ev := &model.Evidence{ID: "ev-1", SourceSlug: "fina"}
	parent := model.Job{ID: "job-1", RunID: "run-9", Stage: model.StageScout, Evidence: ev}

	child := parent.Child("job-2", model.StageRouter)
	assert.Equal(t, "run-9", child.RunID)
	assert.Equal(t, "job-1", child.ParentJobID)
	assert.Equal(t, model.StageRouter, child.Stage)
	assert.Same(t, ev, child.Evidence)
	assert.Zero(t, child.Attempt)
}

func TestDLQAddAndFilter(t *testing.T) {
	d := NewDLQ()

	d.Add(model.Job{ID: "j1", Stage: model.StageExtract, Attempt: 3}, eris.New("boom"), resilience.ClassTransient, 3)
	d.Add(model.Job{ID: "j2", Stage: model.StageCompose}, eris.New("bad payload"), resilience.ClassValidation, 3)
	d.Add(model.Job{ID: "j3", Stage: model.StageExtract}, eris.New("worse"), resilience.ClassInternal, 3)

	assert.Equal(t, 3, d.Depth())

	// Newest first.
	all := d.List(resilience.DLQFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].Job.ID)
	assert.Equal(t, "j1", all[2].Job.ID)

	byStage := d.List(resilience.DLQFilter{Stage: model.StageExtract})
	require.Len(t, byStage, 2)

	byClass := d.List(resilience.DLQFilter{ErrorClass: resilience.ClassValidation})
	require.Len(t, byClass, 1)
	assert.Equal(t, "j2", byClass[0].Job.ID)
	assert.Equal(t, "bad payload", byClass[0].Error)

	limited := d.List(resilience.DLQFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "j3", limited[0].Job.ID)
}

func TestDLQEntryRecordsRetryState(t *testing.T) {
	d := NewDLQ()
	d.Add(model.Job{ID: "j1", Stage: model.StageExtract, Attempt: 2}, eris.New("boom"), resilience.ClassTransient, 3)

	e := d.List(resilience.DLQFilter{})[0]
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, 3, e.MaxRetries)
	assert.Equal(t, model.StageExtract, e.FailedStage)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}
