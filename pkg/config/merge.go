package config

import (
	"github.com/openfroyo/stagecraft/pkg/model"
)

// MergeAll folds sources left to right. Nil sources are skipped. The
// inputs are never modified.
func MergeAll(sources ...*model.Flow) *model.Flow {
	merged := &model.Flow{}
	for _, src := range sources {
		if src == nil {
			continue
		}
		merged = Merge(merged, src)
	}
	return merged
}

// Merge returns base with override applied on top.
func Merge(base, override *model.Flow) *model.Flow {
	out := base.Clone()
	if out == nil {
		out = &model.Flow{}
	}
	if override == nil {
		return out
	}

	out.Name = mergeScalar(out.Name, override.Name)

	for name, svc := range override.Services {
		if out.Services == nil {
			out.Services = make(map[string]*model.Service)
		}
		existing, ok := out.Services[name]
		if !ok || existing == nil {
			out.Services[name] = svc.Clone()
			continue
		}
		out.Services[name] = mergeService(existing, svc)
	}

	for name, st := range override.Stages {
		if out.Stages == nil {
			out.Stages = make(map[string]*model.Stage)
		}
		existing, ok := out.Stages[name]
		if !ok || existing == nil {
			out.Stages[name] = st.Clone()
			continue
		}
		out.Stages[name] = mergeStage(existing, st)
	}

	return out
}

// mergeService merges override into a copy of base.
func mergeService(base, override *model.Service) *model.Service {
	out := base.Clone()
	if override == nil {
		return out
	}

	out.Image = mergeScalar(out.Image, override.Image)
	out.Version = mergeScalar(out.Version, override.Version)
	if override.Restart != "" {
		out.Restart = override.Restart
	}

	if len(override.Command) > 0 {
		out.Command = append([]string(nil), override.Command...)
	}
	if len(override.Ports) > 0 {
		out.Ports = append([]model.Port(nil), override.Ports...)
	}
	if len(override.Volumes) > 0 {
		out.Volumes = append([]model.Volume(nil), override.Volumes...)
	}
	if len(override.DependsOn) > 0 {
		out.DependsOn = append([]string(nil), override.DependsOn...)
	}

	out.Environment = mergeMap(out.Environment, override.Environment)

	if override.Build != nil {
		if out.Build == nil {
			out.Build = &model.Build{}
		}
		out.Build.Context = mergeScalar(out.Build.Context, override.Build.Context)
		out.Build.Dockerfile = mergeScalar(out.Build.Dockerfile, override.Build.Dockerfile)
		out.Build.Target = mergeScalar(out.Build.Target, override.Build.Target)
		out.Build.Args = mergeMap(out.Build.Args, override.Build.Args)
	}

	if override.HealthCheck != nil {
		if out.HealthCheck == nil {
			out.HealthCheck = &model.HealthCheck{}
		}
		mergeHealthCheck(out.HealthCheck, override.HealthCheck)
	}

	return out
}

func mergeHealthCheck(dst, src *model.HealthCheck) {
	if len(src.Test) > 0 {
		dst.Test = append([]string(nil), src.Test...)
	}
	if src.Interval != 0 {
		dst.Interval = src.Interval
	}
	if src.Timeout != nil {
		v := *src.Timeout
		dst.Timeout = &v
	}
	if src.Retries != nil {
		v := *src.Retries
		dst.Retries = &v
	}
	if src.StartPeriod != nil {
		v := *src.StartPeriod
		dst.StartPeriod = &v
	}
	if src.Multiplier != 0 {
		dst.Multiplier = src.Multiplier
	}
	if src.MaxInterval != 0 {
		dst.MaxInterval = src.MaxInterval
	}
}

// mergeStage merges override into a copy of base. Resources are matched by
// identity.
func mergeStage(base, override *model.Stage) *model.Stage {
	out := base.Clone()
	if override == nil {
		return out
	}
	if len(override.Services) > 0 {
		out.Services = append([]string(nil), override.Services...)
	}
	out.Variables = mergeMap(out.Variables, override.Variables)

	index := make(map[model.Identity]int, len(out.Resources))
	for i, rc := range out.Resources {
		index[rc.Identity()] = i
	}
	for _, rc := range override.Resources {
		i, ok := index[rc.Identity()]
		if !ok {
			index[rc.Identity()] = len(out.Resources)
			out.Resources = append(out.Resources, rc.Clone())
			continue
		}
		existing := &out.Resources[i]
		for k, v := range model.CloneAttributes(rc.Attributes) {
			if existing.Attributes == nil {
				existing.Attributes = make(map[string]interface{})
			}
			existing.Attributes[k] = v
		}
		if len(rc.DependsOn) > 0 {
			existing.DependsOn = append([]string(nil), rc.DependsOn...)
		}
	}
	return out
}

func mergeScalar(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

func mergeMap(base, override map[string]string) map[string]string {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
