package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// Validator checks a merged Flow and reports every config error.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator that reports fields by their
// configuration names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Validator{validate: v}
}

var defaultValidator = NewValidator()

// Validate checks flow with the default validator.
func Validate(flow *model.Flow) []error {
	return defaultValidator.Validate(flow)
}

// Finalize infers images and validates. The returned flow is a copy; it
// is returned even when errors are reported so callers can print it.
func Finalize(flow *model.Flow) (*model.Flow, []error) {
	out := InferImages(flow)
	if out == nil {
		out = &model.Flow{}
	}
	return out, Validate(out)
}

// Validate returns every config error in flow, ordered by service then
// stage name.
func (v *Validator) Validate(flow *model.Flow) []error {
	if flow == nil {
		return []error{engine.NewConfigError(engine.ErrCodeMissingProjectName, "project name is required")}
	}

	var errs []error
	if strings.TrimSpace(flow.Name) == "" {
		errs = append(errs, engine.NewConfigError(engine.ErrCodeMissingProjectName, "project name is required"))
	}

	errs = append(errs, duplicateNames("service", "", flow.ServiceNames())...)

	for _, name := range flow.ServiceNames() {
		errs = append(errs, v.validateService(flow, name)...)
	}
	if err := serviceCycles(flow); err != nil {
		errs = append(errs, err)
	}

	for _, name := range flow.StageNames() {
		errs = append(errs, v.validateStage(flow, name)...)
	}
	return errs
}

func (v *Validator) validateService(flow *model.Flow, name string) []error {
	svc := flow.Services[name]
	if svc == nil {
		return []error{engine.NewConfigError(engine.ErrCodeMissingRequiredField,
			fmt.Sprintf("service %q has no definition", name)).WithResource(name)}
	}

	var errs []error
	if name == "" || svc.Image == "" || strings.HasPrefix(svc.Image, ":") {
		errs = append(errs, engine.NewConfigError(engine.ErrCodeMissingRequiredField,
			fmt.Sprintf("service %q has no resolvable image", name)).
			WithResource(name).WithDetail("field", "image"))
	}

	errs = append(errs, v.structErrors("services."+name, name, svc)...)

	for _, dep := range svc.DependsOn {
		if _, ok := flow.Services[dep]; !ok {
			errs = append(errs, engine.NewConfigError(engine.ErrCodeUnknownServiceReference,
				fmt.Sprintf("service %q depends on unknown service %q", name, dep)).
				WithResource(name).WithDetail("reference", dep))
		}
	}
	return errs
}

func (v *Validator) validateStage(flow *model.Flow, name string) []error {
	st := flow.Stages[name]
	if st == nil {
		return nil
	}
	resource := "stage " + name

	errs := duplicateNames("service in stage "+name, resource, st.Services)
	for _, svc := range st.Services {
		if _, ok := flow.Services[svc]; !ok {
			errs = append(errs, engine.NewConfigError(engine.ErrCodeUnknownServiceReference,
				fmt.Sprintf("stage %q references unknown service %q", name, svc)).
				WithResource(resource).WithDetail("reference", svc))
		}
	}

	valid := true
	for i := range st.Resources {
		fieldErrs := v.structErrors(fmt.Sprintf("stages.%s.resources[%d]", name, i), resource, &st.Resources[i])
		if len(fieldErrs) > 0 {
			valid = false
		}
		errs = append(errs, fieldErrs...)
	}
	if valid && len(st.Resources) > 0 {
		// The planner rejects duplicates, unknown references and cycles.
		if _, err := engine.ComputePlan(engine.PlanRequest{Scope: name, Desired: st.Resources}); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// structErrors maps validator tag failures onto config error codes.
func (v *Validator) structErrors(path, resource string, s interface{}) []error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []error{engine.NewConfigError(engine.ErrCodeValidation, err.Error()).WithResource(resource)}
	}

	out := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := path + fieldPath(fe.Namespace())
		code := engine.ErrCodeInvalidField
		msg := fmt.Sprintf("%s: value %v fails %q", field, fe.Value(), tagDescription(fe))
		if fe.Tag() == "required" {
			code = engine.ErrCodeMissingRequiredField
			msg = fmt.Sprintf("%s is required", field)
		}
		out = append(out, engine.NewConfigError(code, msg).
			WithResource(resource).
			WithDetail("field", field))
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i:]
	}
	return ""
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// duplicateNames reports names that collide case-insensitively.
func duplicateNames(what, resource string, names []string) []error {
	seen := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		key := strings.ToLower(name)
		if prev, ok := seen[key]; ok {
			if resource == "" {
				resource = name
			}
			errs = append(errs, engine.NewConfigError(engine.ErrCodeDuplicateServiceName,
				fmt.Sprintf("duplicate %s name %q (collides with %q)", what, name, prev)).
				WithResource(resource))
			continue
		}
		seen[key] = name
	}
	return errs
}

// serviceCycles checks the depends_on graph of every declared service.
func serviceCycles(flow *model.Flow) error {
	b := engine.NewDAGBuilder()
	names := flow.ServiceNames()
	for _, name := range names {
		b.AddNode(name)
	}
	for _, name := range names {
		svc := flow.Services[name]
		if svc == nil {
			continue
		}
		deps := append([]string(nil), svc.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := flow.Services[dep]; ok {
				b.AddEdge(name, dep)
			}
		}
	}
	_, err := b.Build()
	if err != nil && engine.HasCode(err, engine.ErrCodeCyclicDependency) {
		return err
	}
	return nil
}
