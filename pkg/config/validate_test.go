package config

import (
	"testing"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

func codes(errs []error) map[string]int {
	out := make(map[string]int)
	for _, err := range errs {
		out[engine.CodeOf(err)]++
	}
	return out
}

func validFlow() *model.Flow {
	return &model.Flow{
		Name: "shop",
		Services: map[string]*model.Service{
			"db":  {Image: "postgres:16", Ports: []model.Port{{Host: 5432, Container: 5432}}},
			"web": {Image: "nginx:1.27", DependsOn: []string{"db"}, Restart: model.RestartOnFailure},
		},
		Stages: map[string]*model.Stage{
			"local": {
				Services: []string{"db", "web"},
				Resources: []model.ResourceConfig{
					{Provider: "local", Type: "server", Name: "a"},
					{Provider: "local", Type: "server", Name: "b", DependsOn: []string{"a"}},
				},
			},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	if errs := Validate(validFlow()); len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
}

func TestValidate_ReportsEveryError(t *testing.T) {
	flow := validFlow()
	flow.Name = ""
	flow.Services["web"].DependsOn = []string{"db", "queue"}
	flow.Services["web"].Ports = []model.Port{{Host: 70000, Container: 80, Protocol: "sctp"}}
	flow.Services["web"].Restart = "sometimes"
	flow.Services["Web"] = &model.Service{Image: "nginx"}
	flow.Stages["local"].Services = append(flow.Stages["local"].Services, "ghost")
	flow.Stages["local"].Resources[1].DependsOn = []string{"missing"}

	got := codes(Validate(flow))
	want := map[string]int{
		engine.ErrCodeMissingProjectName:       1,
		engine.ErrCodeUnknownServiceReference:  2,
		engine.ErrCodeInvalidField:             3,
		engine.ErrCodeDuplicateServiceName:     1,
		engine.ErrCodeUnknownResourceReference: 1,
	}
	for code, n := range want {
		if got[code] != n {
			t.Errorf("%s count = %d, want %d (all: %v)", code, got[code], n, got)
		}
	}
}

func TestValidate_ServiceCycle(t *testing.T) {
	flow := validFlow()
	flow.Services["db"].DependsOn = []string{"web"}

	errs := Validate(flow)
	if codes(errs)[engine.ErrCodeCyclicDependency] != 1 {
		t.Fatalf("Expected one cycle error, got %v", errs)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	flow := validFlow()
	flow.Services["db"].Image = ""
	flow.Services["db"].Volumes = []model.Volume{{Host: "./data"}}
	flow.Stages["local"].Resources = append(flow.Stages["local"].Resources, model.ResourceConfig{Provider: "local", Name: "c"})

	got := codes(Validate(flow))
	if got[engine.ErrCodeMissingRequiredField] != 3 {
		t.Errorf("Expected 3 missing fields (image, volume container, resource type), got %v", got)
	}
}

func TestValidate_DuplicateInStage(t *testing.T) {
	flow := validFlow()
	flow.Stages["local"].Services = []string{"db", "DB", "web"}

	errs := Validate(flow)
	if codes(errs)[engine.ErrCodeDuplicateServiceName] != 1 {
		t.Errorf("Expected duplicate service error, got %v", errs)
	}
}

func TestFinalize_InfersBeforeValidating(t *testing.T) {
	flow := &model.Flow{
		Name:     "shop",
		Services: map[string]*model.Service{"postgres": {Version: "16"}},
	}
	out, errs := Finalize(flow)
	if len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	if out.Services["postgres"].Image != "postgres:16" {
		t.Errorf("Image = %q", out.Services["postgres"].Image)
	}
}

func TestValidate_NilFlow(t *testing.T) {
	errs := Validate(nil)
	if len(errs) != 1 || !engine.HasCode(errs[0], engine.ErrCodeMissingProjectName) {
		t.Errorf("Unexpected errors: %v", errs)
	}
}
