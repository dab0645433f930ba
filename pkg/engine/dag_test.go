package engine

import (
	"context"
	"strings"
	"testing"
)

func noopStep(ctx context.Context, state *RunState) (interface{}, []string, error) {
	return nil, nil, nil
}

func pipelineSteps() []Step {
	return []Step{
		{Name: StageIngestion, Execute: noopStep},
		{Name: StageBaseModel, DependsOn: []StageName{StageIngestion}, Execute: noopStep},
		{Name: StageCallbacks, DependsOn: []StageName{StageBaseModel}, Execute: noopStep},
		{Name: StageTraining, DependsOn: []StageName{StageCallbacks}, Execute: noopStep},
		{Name: StageEvaluation, DependsOn: []StageName{StageTraining}, Execute: noopStep},
	}
}

func TestGraphBuilder_BuildGraph_PipelineOrder(t *testing.T) {
	graph, err := NewGraphBuilder().BuildGraph(pipelineSteps())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Order) != len(Stages) {
		t.Fatalf("Expected %d steps, got %d", len(Stages), len(graph.Order))
	}
	for i, want := range Stages {
		if graph.Order[i] != want {
			t.Errorf("Order[%d] = %s, want %s", i, graph.Order[i], want)
		}
	}

	if deps := graph.Dependents[StageIngestion]; len(deps) != 1 || deps[0] != StageBaseModel {
		t.Errorf("Expected ingestion to have base model as dependent, got %v", deps)
	}
}

func TestGraphBuilder_BuildGraph_DeclarationOrderBreaksTies(t *testing.T) {
	steps := []Step{
		{Name: "b", Execute: noopStep},
		{Name: "a", Execute: noopStep},
		{Name: "c", DependsOn: []StageName{"a", "b"}, Execute: noopStep},
	}

	graph, err := NewGraphBuilder().BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := formatCycle(graph.Order)
	if got != "b -> a -> c" {
		t.Errorf("Expected order b -> a -> c, got %s", got)
	}
}

func TestGraphBuilder_BuildGraph_DependencyDeclaredLater(t *testing.T) {
	steps := []Step{
		{Name: "train", DependsOn: []StageName{"prepare"}, Execute: noopStep},
		{Name: "prepare", Execute: noopStep},
	}

	graph, err := NewGraphBuilder().BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Order[0] != "prepare" || graph.Order[1] != "train" {
		t.Errorf("Expected prepare before train, got %v", graph.Order)
	}
}

func TestGraphBuilder_BuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantMsg string
	}{
		{
			name:    "empty name",
			steps:   []Step{{Name: "", Execute: noopStep}},
			wantMsg: "empty",
		},
		{
			name: "duplicate",
			steps: []Step{
				{Name: "a", Execute: noopStep},
				{Name: "a", Execute: noopStep},
			},
			wantMsg: "duplicate",
		},
		{
			name:    "nil execute",
			steps:   []Step{{Name: "a"}},
			wantMsg: "no execute",
		},
		{
			name:    "unknown dependency",
			steps:   []Step{{Name: "a", DependsOn: []StageName{"missing"}, Execute: noopStep}},
			wantMsg: "missing",
		},
		{
			name: "cycle",
			steps: []Step{
				{Name: "a", DependsOn: []StageName{"c"}, Execute: noopStep},
				{Name: "b", DependsOn: []StageName{"a"}, Execute: noopStep},
				{Name: "c", DependsOn: []StageName{"b"}, Execute: noopStep},
			},
			wantMsg: "circular",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraphBuilder().BuildGraph(tt.steps)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !IsKind(err, KindConfig) {
				t.Errorf("Expected ConfigError, got %v", err)
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestStageGraph_Subgraph(t *testing.T) {
	graph, err := NewGraphBuilder().BuildGraph(pipelineSteps())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name    string
		names   []StageName
		want    []StageName
		wantErr bool
	}{
		{
			name:  "single stage",
			names: []StageName{StageTraining},
			want:  []StageName{StageTraining},
		},
		{
			name:  "contiguous out of order",
			names: []StageName{StageTraining, StageCallbacks},
			want:  []StageName{StageCallbacks, StageTraining},
		},
		{
			name:    "gap",
			names:   []StageName{StageIngestion, StageTraining},
			wantErr: true,
		},
		{
			name:    "unknown",
			names:   []StageName{"deploy"},
			wantErr: true,
		},
		{
			name:    "empty",
			names:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := graph.Subgraph(tt.names)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got order %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if formatCycle(got) != formatCycle(tt.want) {
				t.Errorf("Subgraph() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStageGraph_ToDOT(t *testing.T) {
	graph, err := NewGraphBuilder().BuildGraph(pipelineSteps())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()

	if !strings.Contains(dot, "digraph Pipeline") {
		t.Error("DOT output should contain 'digraph Pipeline'")
	}
	if !strings.Contains(dot, `"ingestion" -> "prepare_base_model"`) {
		t.Error("DOT output should contain the ingestion edge")
	}
	if !strings.Contains(dot, `"training" -> "evaluation"`) {
		t.Error("DOT output should contain the training edge")
	}
}
