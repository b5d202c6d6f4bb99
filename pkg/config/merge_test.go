package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/stagecraft/pkg/model"
)

func TestMerge_Precedence(t *testing.T) {
	a := &model.Flow{
		Name: "shop",
		Services: map[string]*model.Service{
			"web": {
				Image:       "nginx:1.25",
				Ports:       []model.Port{{Host: 8080, Container: 80}},
				Environment: map[string]string{"A": "1", "B": "1"},
				DependsOn:   []string{"db"},
				Restart:     model.RestartAlways,
			},
			"db": {Image: "postgres", Version: "15"},
		},
	}
	b := &model.Flow{
		Services: map[string]*model.Service{
			"web": {
				Ports:       []model.Port{{Host: 9090, Container: 80}},
				Environment: map[string]string{"B": "2", "C": "2"},
			},
			"db": {Version: "16"},
		},
	}
	c := &model.Flow{
		Name: "shop-dev",
		Services: map[string]*model.Service{
			"web": {
				Image:       "nginx:1.27",
				Ports:       nil,
				Environment: map[string]string{"C": "3"},
			},
			"cache": {Image: "redis:7"},
		},
	}

	got := MergeAll(a, b, c)
	want := &model.Flow{
		Name: "shop-dev",
		Services: map[string]*model.Service{
			"web": {
				Image:       "nginx:1.27",
				Ports:       []model.Port{{Host: 9090, Container: 80}},
				Environment: map[string]string{"A": "1", "B": "2", "C": "3"},
				DependsOn:   []string{"db"},
				Restart:     model.RestartAlways,
			},
			"db":    {Image: "postgres", Version: "16"},
			"cache": {Image: "redis:7"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeAll mismatch (-want +got):\n%s", diff)
	}

	// Inputs are untouched.
	if a.Services["web"].Environment["B"] != "1" || a.Name != "shop" {
		t.Error("MergeAll modified its input")
	}
}

func TestMerge_EmptySequenceKeepsBase(t *testing.T) {
	base := &model.Flow{Services: map[string]*model.Service{
		"web": {Command: []string{"serve"}, Volumes: []model.Volume{{Host: "./a", Container: "/a"}}},
	}}
	override := &model.Flow{Services: map[string]*model.Service{
		"web": {Command: []string{}, Volumes: []model.Volume{}},
	}}

	got := Merge(base, override).Services["web"]
	if len(got.Command) != 1 || len(got.Volumes) != 1 {
		t.Errorf("Empty override sequences must keep base, got %+v", got)
	}
}

func TestMerge_HealthCheckAndBuild(t *testing.T) {
	base := &model.Flow{Services: map[string]*model.Service{
		"api": {
			Build:       &model.Build{Context: ".", Args: map[string]string{"GO": "1.25"}},
			HealthCheck: &model.HealthCheck{Test: []string{"curl", "-f", "localhost"}, Retries: intPtr(3), Interval: model.Duration(time.Second)},
		},
	}}
	override := &model.Flow{Services: map[string]*model.Service{
		"api": {
			Build:       &model.Build{Target: "prod", Args: map[string]string{"CGO": "0"}},
			HealthCheck: &model.HealthCheck{Retries: intPtr(5)},
		},
	}}

	got := Merge(base, override).Services["api"]
	wantBuild := &model.Build{Context: ".", Target: "prod", Args: map[string]string{"GO": "1.25", "CGO": "0"}}
	if diff := cmp.Diff(wantBuild, got.Build); diff != "" {
		t.Errorf("Build mismatch (-want +got):\n%s", diff)
	}
	if got.HealthCheck.RetryCount() != 5 || len(got.HealthCheck.Test) != 3 || got.HealthCheck.Interval.Std() != time.Second {
		t.Errorf("Unexpected health check: %+v", got.HealthCheck)
	}
	if base.Services["api"].HealthCheck.RetryCount() != 3 {
		t.Error("Merge modified base health check")
	}
}

func TestMerge_HealthCheckExplicitZero(t *testing.T) {
	grace := model.Duration(10 * time.Second)
	base := &model.Flow{Services: map[string]*model.Service{
		"api": {HealthCheck: &model.HealthCheck{Test: []string{"true"}, Retries: intPtr(3), StartPeriod: &grace}},
	}}
	zero := model.Duration(0)
	override := &model.Flow{Services: map[string]*model.Service{
		"api": {HealthCheck: &model.HealthCheck{Retries: intPtr(0), StartPeriod: &zero}},
	}}

	got := Merge(base, override).Services["api"].HealthCheck
	if got.Retries == nil || *got.Retries != 0 {
		t.Errorf("Expected retries lowered to 0, got %v", got.Retries)
	}
	if got.Grace() != 0 {
		t.Errorf("Expected start period cleared, got %v", got.Grace())
	}
	if got.Policy(model.DefaultMaxProbeInterval).MaxRetries != 0 {
		t.Error("Expected a single probe attempt")
	}

	// An override that leaves the fields out keeps the base values.
	got = Merge(base, &model.Flow{Services: map[string]*model.Service{"api": {HealthCheck: &model.HealthCheck{}}}}).Services["api"].HealthCheck
	if got.RetryCount() != 3 || got.Grace() != 10*time.Second {
		t.Errorf("Unset fields must keep base, got %+v", got)
	}
}

func TestMerge_Stages(t *testing.T) {
	base := &model.Flow{Stages: map[string]*model.Stage{
		"prod": {
			Services:  []string{"web", "db"},
			Variables: map[string]string{"LOG": "info"},
			Resources: []model.ResourceConfig{
				{Provider: "local", Type: "server", Name: "a", Attributes: map[string]interface{}{"core": 2, "memory": 4}},
			},
		},
	}}
	override := &model.Flow{Stages: map[string]*model.Stage{
		"prod": {
			Variables: map[string]string{"LOG": "debug", "REGION": "eu"},
			Resources: []model.ResourceConfig{
				{Provider: "local", Type: "server", Name: "a", Attributes: map[string]interface{}{"memory": 8}},
				{Provider: "local", Type: "server", Name: "b", DependsOn: []string{"a"}},
			},
		},
		"dev": {Services: []string{"web"}},
	}}

	got := Merge(base, override)
	prod := got.Stages["prod"]
	if diff := cmp.Diff([]string{"web", "db"}, prod.Services); diff != "" {
		t.Errorf("Services mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"LOG": "debug", "REGION": "eu"}, prod.Variables); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}
	if len(prod.Resources) != 2 {
		t.Fatalf("Expected 2 resources, got %d", len(prod.Resources))
	}
	attrs := prod.Resources[0].Attributes
	if attrs["core"] != 2.0 || attrs["memory"] != 8.0 {
		t.Errorf("Unexpected merged attributes: %v", attrs)
	}
	if got.Stages["dev"] == nil {
		t.Error("New stage must be inserted")
	}
}

func TestMergeAll_SkipsNil(t *testing.T) {
	got := MergeAll(nil, &model.Flow{Name: "x"}, nil)
	if got.Name != "x" {
		t.Errorf("Name = %q, want x", got.Name)
	}
}
