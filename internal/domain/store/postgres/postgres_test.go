package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"outbound-call-server-golang/internal/data/model"
)

func TestCounterColumnMatchesCounters(t *testing.T) {
	tests := []struct {
		outcome model.Outcome
		want    string
	}{
		{model.OutcomeCompleted, "completed"},
		{model.OutcomeDNC, "dnc"},
		{model.OutcomeTransferred, "transferred"},
		{model.OutcomeRescheduled, "rescheduled"},
		{model.OutcomeNoAnswer, "failed"},
		{model.OutcomeBusy, "failed"},
		{model.OutcomeFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, counterColumn(tt.outcome))
		})
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"campaigns", "contacts", "callbacks", "call_records"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
