package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakeforge/internal/model"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()

	steps := []struct {
		from model.Status
		cond Condition
		to   model.Status
	}{
		{model.StatusParsing, CondDone, model.StatusInferring},
		{model.StatusInferring, CondDone, model.StatusGenerating},
		{model.StatusGenerating, CondDone, model.StatusValidating},
		{model.StatusValidating, CondNeedsCorrection, model.StatusCorrecting},
		{model.StatusCorrecting, CondDone, model.StatusGenerating},
		{model.StatusValidating, CondAccepted, model.StatusInserting},
		{model.StatusInserting, CondDone, model.StatusExecuting},
		{model.StatusExecuting, CondDone, model.StatusComplete},
	}
	for _, s := range steps {
		got, err := m.Next(s.from, s.cond)
		require.NoError(t, err, "%s on %s", s.from, s.cond)
		assert.Equal(t, s.to, got, "%s on %s", s.from, s.cond)
	}
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		from model.Status
		cond Condition
	}{
		{model.StatusParsing, CondAccepted},
		{model.StatusValidating, CondDone},
		{model.StatusComplete, CondDone},
		{model.StatusComplete, CondFail},
		{model.StatusFailed, CondDone},
	}
	for _, tt := range tests {
		got, err := m.Next(tt.from, tt.cond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransition))
		assert.Equal(t, tt.from, got, "state must not change on an illegal edge")
		assert.False(t, m.CanTransition(tt.from, tt.cond))
	}
}

func TestMachine_EveryStageCanFail(t *testing.T) {
	m := NewMachine()
	for _, s := range []model.Status{
		model.StatusParsing, model.StatusInferring, model.StatusGenerating, model.StatusValidating,
		model.StatusCorrecting, model.StatusInserting, model.StatusExecuting,
	} {
		got, err := m.Next(s, CondFail)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got)
	}
	assert.Equal(t, []Condition{CondAccepted, CondFail, CondNeedsCorrection}, m.Conditions(model.StatusValidating))
	assert.Empty(t, m.Conditions(model.StatusComplete))
}

func TestEvaluate(t *testing.T) {
	errIssue := []model.ValidationIssue{{Severity: model.SeverityError, Description: "x"}}
	warnIssue := []model.ValidationIssue{{Severity: model.SeverityWarning, Description: "x"}}

	tests := []struct {
		name   string
		status model.Status
		issues []model.ValidationIssue
		iter   int
		max    int
		want   Condition
	}{
		{name: "non_validation_stage", status: model.StatusGenerating, issues: errIssue, want: CondDone},
		{name: "clean", status: model.StatusValidating, max: 3, want: CondAccepted},
		{name: "warnings_only", status: model.StatusValidating, issues: warnIssue, max: 3, want: CondAccepted},
		{name: "errors_with_budget", status: model.StatusValidating, issues: errIssue, iter: 2, max: 3, want: CondNeedsCorrection},
		{name: "errors_budget_spent", status: model.StatusValidating, issues: errIssue, iter: 3, max: 3, want: CondAccepted},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := model.PipelineState{Status: tt.status, ValidationIssues: tt.issues, IterationCount: tt.iter, MaxIterations: tt.max}
			assert.Equal(t, tt.want, Evaluate(st))
		})
	}
}

func TestReduce(t *testing.T) {
	st := model.NewState("s1", []string{"a.csv"}, "", 0)
	st.SchemaSQL = "CREATE TABLE old (id INT);"
	st.TotalCost = 0.5

	ents := []model.Entity{{TableName: "a"}}
	iter := 1
	out := Reduce(st, model.Delta{Entities: &ents, IterationCount: &iter, Cost: 0.25})

	assert.Equal(t, "CREATE TABLE old (id INT);", out.SchemaSQL, "unset fields are kept")
	assert.Equal(t, 1, out.IterationCount)
	assert.Equal(t, 0.75, out.TotalCost)
	require.Len(t, out.Entities, 1)

	ents[0].TableName = "mutated"
	assert.Equal(t, "a", out.Entities[0].TableName, "result must not alias the delta")
	assert.Empty(t, st.Entities, "input state must not change")

	empty := []model.ValidationIssue{}
	out = Reduce(out, model.Delta{ValidationIssues: &empty})
	assert.NotNil(t, out.ValidationIssues)
	assert.Empty(t, out.ValidationIssues)
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		tr      Trigger
		want    model.Dialect
		wantErr bool
	}{
		{name: "ok_default_dialect", tr: Trigger{SessionID: "s", FileKeys: []string{"a.csv"}}, want: model.DialectPostgres},
		{name: "ok_mysql", tr: Trigger{SessionID: "s", FileKeys: []string{"a.csv"}, Options: model.Options{TargetDialect: "mysql"}}, want: model.DialectMySQL},
		{name: "no_session", tr: Trigger{FileKeys: []string{"a.csv"}}, wantErr: true},
		{name: "no_files", tr: Trigger{SessionID: "s"}, wantErr: true},
		{name: "empty_key", tr: Trigger{SessionID: "s", FileKeys: []string{""}}, wantErr: true},
		{name: "bad_dialect", tr: Trigger{SessionID: "s", FileKeys: []string{"a"}, Options: model.Options{TargetDialect: "db2"}}, wantErr: true},
		{name: "negative_iterations", tr: Trigger{SessionID: "s", FileKeys: []string{"a"}, Options: model.Options{MaxIterations: -1}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tr.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTrigger)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
