package workflow_test

import (
	"errors"
	"strings"
	"testing"

	"paperline/internal/domain"
	"paperline/internal/workflow"
)

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from string
		want []string
	}{
		{workflow.StateInitiation, []string{workflow.StatePlanning}},
		{workflow.StatePlanning, []string{workflow.StateExecution}},
		{workflow.StateExecution, []string{workflow.StateMonitoring}},
		{workflow.StateMonitoring, []string{workflow.StateExecution, workflow.StateClosing}},
		{workflow.StateClosing, nil},
	}
	for _, c := range cases {
		got := workflow.Allowed(c.from)
		if len(got) != len(c.want) {
			t.Fatalf("Allowed(%s) = %v, want %v", c.from, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("Allowed(%s) = %v, want %v", c.from, got, c.want)
			}
		}
	}
	if !workflow.Terminal(workflow.StateClosing) {
		t.Fatal("CLOSING must be terminal")
	}
	if workflow.Initial() != workflow.StateInitiation {
		t.Fatalf("initial phase = %s", workflow.Initial())
	}
}

func TestInvalidTransitionNamesAlternatives(t *testing.T) {
	err := workflow.ValidateTransition(workflow.StatePlanning, workflow.StateClosing)
	if err == nil {
		t.Fatal("expected error for PLANNING -> CLOSING")
	}
	var ite workflow.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTransitionError, got %T", err)
	}
	if len(ite.Allowed) != 1 || ite.Allowed[0] != workflow.StateExecution {
		t.Fatalf("allowed = %v, want [EXECUTION]", ite.Allowed)
	}
	if !strings.Contains(err.Error(), workflow.StateExecution) {
		t.Fatalf("error %q does not name the valid alternative", err)
	}
}

func TestExecutionMonitoringCycle(t *testing.T) {
	if err := workflow.ValidateTransition(workflow.StateExecution, workflow.StateMonitoring); err != nil {
		t.Fatalf("EXECUTION -> MONITORING: %v", err)
	}
	if err := workflow.ValidateTransition(workflow.StateMonitoring, workflow.StateExecution); err != nil {
		t.Fatalf("MONITORING -> EXECUTION: %v", err)
	}
	if err := workflow.ValidateTransition(workflow.StateClosing, workflow.StateExecution); err == nil {
		t.Fatal("transitions out of CLOSING must fail")
	}
}

func TestClosingOnlyFromMonitoring(t *testing.T) {
	err := workflow.ValidateTransition(workflow.StateExecution, workflow.StateClosing)
	if err == nil {
		t.Fatal("EXECUTION -> CLOSING must be rejected; it skips MONITORING_AND_CONTROLLING")
	}
	var ite workflow.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTransitionError, got %T", err)
	}
	if len(ite.Allowed) != 1 || ite.Allowed[0] != workflow.StateMonitoring {
		t.Fatalf("allowed = %v, want [MONITORING_AND_CONTROLLING]", ite.Allowed)
	}
	if err := workflow.ValidateTransition(workflow.StateMonitoring, workflow.StateClosing); err != nil {
		t.Fatalf("MONITORING -> CLOSING: %v", err)
	}
}

func TestReplayReproducesCurrentState(t *testing.T) {
	history := []domain.WorkflowTransition{
		{FromState: workflow.StateInitiation, ToState: workflow.StatePlanning},
		{FromState: workflow.StatePlanning, ToState: workflow.StateExecution},
		{FromState: workflow.StateExecution, ToState: workflow.StateMonitoring},
		{FromState: workflow.StateMonitoring, ToState: workflow.StateExecution},
		{FromState: workflow.StateExecution, ToState: workflow.StateMonitoring},
		{FromState: workflow.StateMonitoring, ToState: workflow.StateClosing},
	}
	got, err := workflow.Replay(history)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got != workflow.StateClosing {
		t.Fatalf("replay = %s, want CLOSING", got)
	}
}

func TestReplayRejectsBrokenHistory(t *testing.T) {
	history := []domain.WorkflowTransition{
		{FromState: workflow.StateInitiation, ToState: workflow.StatePlanning},
		{FromState: workflow.StateExecution, ToState: workflow.StateClosing},
	}
	if _, err := workflow.Replay(history); err == nil {
		t.Fatal("replay accepted a history with a gap")
	}
}
