package model

import (
	"testing"
	"time"
)

func TestIdentity(t *testing.T) {
	id := Identity{Provider: "local", Type: "server", Name: "web"}
	if id.String() != "local/server/web" {
		t.Errorf("Identity.String() = %q", id.String())
	}

	parsed, err := ParseIdentity("local/server/web")
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if parsed != id {
		t.Errorf("ParseIdentity = %+v, want %+v", parsed, id)
	}

	for _, bad := range []string{"local/server", "local//web", "a/b/c/d"} {
		if _, err := ParseIdentity(bad); err == nil {
			t.Errorf("ParseIdentity(%q) expected error", bad)
		}
	}
}

func TestDiffAttributes(t *testing.T) {
	desired := map[string]interface{}{"core": 2, "memory": 8, "tags": []string{"a"}}
	observed := map[string]interface{}{"core": 2.0, "memory": 4.0, "tags": []interface{}{"a"}, "ip": "10.0.0.1"}

	diff := DiffAttributes(desired, observed)
	if len(diff) != 1 {
		t.Fatalf("Expected one change, got %+v", diff)
	}
	if diff[0].Key != "memory" || diff[0].Before != 4.0 || diff[0].After != 8.0 {
		t.Errorf("Unexpected change: %+v", diff[0])
	}

	added := DiffAttributes(map[string]interface{}{"zone": "eu"}, nil)
	if len(added) != 1 || added[0].Before != nil {
		t.Errorf("Expected addition with nil before, got %+v", added)
	}

	if diff := DiffAttributes(nil, observed); len(diff) != 0 {
		t.Errorf("Observed-only keys must be ignored, got %+v", diff)
	}
}

func TestResourceConfigClone(t *testing.T) {
	rc := ResourceConfig{
		Provider:   "local",
		Type:       "server",
		Name:       "db",
		Attributes: map[string]interface{}{"core": 2},
		DependsOn:  []string{"net"},
	}
	clone := rc.Clone()
	clone.Attributes["core"] = 4
	clone.DependsOn[0] = "other"

	if rc.Attributes["core"] != 2 || rc.DependsOn[0] != "net" {
		t.Errorf("Clone shares state with original: %+v", rc)
	}
}

func TestHealthCheckPolicy(t *testing.T) {
	retries := 3
	hc := &HealthCheck{Interval: Duration(time.Second), Retries: &retries}
	p := hc.Policy(5 * time.Second)
	want := BackoffPolicy{InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 5 * time.Second, MaxRetries: 3}
	if p != want {
		t.Errorf("Policy = %+v, want %+v", p, want)
	}

	p = (&HealthCheck{}).Policy(DefaultMaxProbeInterval)
	if p.InitialDelay != DefaultProbeInterval || p.MaxDelay != DefaultMaxProbeInterval {
		t.Errorf("Expected defaults, got %+v", p)
	}
}

func TestFlowClone(t *testing.T) {
	f := &Flow{
		Name: "shop",
		Services: map[string]*Service{
			"web": {Image: "nginx", Environment: map[string]string{"A": "1"}},
		},
		Stages: map[string]*Stage{
			"local": {Services: []string{"web"}},
		},
	}
	c := f.Clone()
	c.Services["web"].Environment["A"] = "2"
	c.Stages["local"].Services[0] = "api"

	if f.Services["web"].Environment["A"] != "1" || f.Stages["local"].Services[0] != "web" {
		t.Error("Clone shares state with original")
	}
	if names := f.ServiceNames(); len(names) != 1 || names[0] != "web" {
		t.Errorf("ServiceNames = %v", names)
	}
	if f.Stage("missing") != nil {
		t.Error("Expected nil for unknown stage")
	}
}

func TestParseDownMode(t *testing.T) {
	for _, ok := range []string{"stop", "suspend", "destroy"} {
		if _, err := ParseDownMode(ok); err != nil {
			t.Errorf("ParseDownMode(%q) failed: %v", ok, err)
		}
	}
	if _, err := ParseDownMode("converge"); err == nil {
		t.Error("converge is not a down mode")
	}
}
