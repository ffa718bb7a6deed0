package audit

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
)

type fakeLog struct {
	events []model.DecisionEvent
	err    error
}

func (f *fakeLog) Append(_ context.Context, ev model.DecisionEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestEventFillsIdentityFields(t *testing.T) {
	ev := Event(model.DecisionAdmission, "porezna-uprava", model.ReasonGlobalBudget, map[string]float64{"estimated_tokens": 900})

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, model.DecisionAdmission, ev.Kind)
	assert.Equal(t, "porezna-uprava", ev.SourceSlug)
	assert.Equal(t, model.ReasonGlobalBudget, ev.Reason)
	assert.Equal(t, 900.0, ev.Metrics["estimated_tokens"])

	// Distinct events get distinct ids.
	assert.NotEqual(t, ev.ID, Event(model.DecisionAdmission, "porezna-uprava", model.ReasonGlobalBudget, nil).ID)
}

func TestStoreSinkAppends(t *testing.T) {
	log := &fakeLog{}
	sink := NewStoreSink(log)

	sink.Record(context.Background(), Event(model.DecisionCircuit, "", model.ReasonCircuitTripped, nil))
	require.Len(t, log.events, 1)
	assert.Equal(t, model.ReasonCircuitTripped, log.events[0].Reason)
}

func TestStoreSinkSwallowsAppendFailure(t *testing.T) {
	sink := NewStoreSink(&fakeLog{err: eris.New("disk full")})

	// Must not panic or propagate: the decision path never fails on audit.
	sink.Record(context.Background(), Event(model.DecisionHealth, "fina", model.ReasonStateDowngrade, nil))
}

func TestFanoutRecordsToAllSinks(t *testing.T) {
	first := &fakeLog{}
	second := &fakeLog{}
	fan := Fanout{NewStoreSink(first), NewStoreSink(second)}

	fan.Record(context.Background(), Event(model.DecisionPause, "fina", model.ReasonManualPause, nil))
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}
