package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func buildGraph(t *testing.T, nodes []string, edges [][2]string) (*Graph, error) {
	t.Helper()
	b := NewDAGBuilder()
	for _, n := range nodes {
		b.AddNode(n)
	}
	for _, e := range edges {
		b.AddEdge(e[0], e[1])
	}
	return b.Build()
}

func TestDAGBuilder_Build_Empty(t *testing.T) {
	graph, err := buildGraph(t, nil, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if graph.Size() != 0 || len(graph.Levels) != 0 {
		t.Errorf("Expected empty graph, got %d nodes in %d levels", graph.Size(), len(graph.Levels))
	}
}

func TestDAGBuilder_Build_LevelsAreLexical(t *testing.T) {
	graph, err := buildGraph(t, []string{"web", "cache", "db", "api"}, [][2]string{
		{"api", "db"},
		{"api", "cache"},
		{"web", "api"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := [][]string{{"cache", "db"}, {"api"}, {"web"}}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("Levels = %v, want %v", graph.Levels, want)
	}
	if graph.Level["web"] != 2 {
		t.Errorf("Expected web at level 2, got %d", graph.Level["web"])
	}
	if !reflect.DeepEqual(graph.Dependencies["api"], []string{"cache", "db"}) {
		t.Errorf("Unexpected api dependencies: %v", graph.Dependencies["api"])
	}
}

func TestDAGBuilder_Build_Diamond(t *testing.T) {
	graph, err := buildGraph(t, []string{"a", "b", "c", "d"}, [][2]string{
		{"b", "a"},
		{"c", "a"},
		{"d", "b"},
		{"d", "c"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("Levels = %v, want %v", graph.Levels, want)
	}
	if got := graph.Transitive("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("Transitive(a) = %v", got)
	}
}

func TestDAGBuilder_Build_DuplicateEdgeIgnored(t *testing.T) {
	graph, err := buildGraph(t, []string{"a", "b"}, [][2]string{{"b", "a"}, {"b", "a"}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(graph.Dependencies["b"]) != 1 {
		t.Errorf("Expected one dependency, got %v", graph.Dependencies["b"])
	}
}

func TestDAGBuilder_DetectCycles_SimpleCycle(t *testing.T) {
	_, err := buildGraph(t, []string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !HasCode(err, ErrCodeCyclicDependency) {
		t.Fatalf("Expected %s, got %v", ErrCodeCyclicDependency, err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected cycle path in message, got %q", err.Error())
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatal("Expected EngineError")
	}
	if got := ee.Details["services"]; !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected participants [a b], got %v", got)
	}
}

func TestDAGBuilder_DetectCycles_ComplexCycle(t *testing.T) {
	_, err := buildGraph(t, []string{"a", "b", "c", "d"}, [][2]string{
		{"a", "d"},
		{"b", "a"},
		{"c", "b"},
		{"a", "c"},
	})
	if !HasCode(err, ErrCodeCyclicDependency) {
		t.Fatalf("Expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> c -> b -> a") {
		t.Errorf("Unexpected cycle path: %q", err.Error())
	}
}

func TestDAGBuilder_UnknownNode(t *testing.T) {
	_, err := buildGraph(t, []string{"a"}, [][2]string{{"a", "ghost"}})
	if !HasCode(err, ErrCodeUnknownServiceReference) {
		t.Fatalf("Expected unknown reference error, got %v", err)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	graph, err := buildGraph(t, []string{"db", "web"}, [][2]string{{"web", "db"}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	dot := graph.ToDOT("local")

	for _, want := range []string{
		`digraph "local"`,
		"cluster_level_0",
		"cluster_level_1",
		`"db" -> "web"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
