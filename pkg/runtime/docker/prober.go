package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// Probe runs the health test inside the container and waits for it to
// exit. A zero exit code is healthy.
//
// Test follows the compose form: ["CMD", args...] execs args directly,
// ["CMD-SHELL", cmd] runs cmd through /bin/sh, and any other list is
// exec'd as given.
func (r *Runtime) Probe(ctx context.Context, id string, check *model.HealthCheck) error {
	if check == nil || len(check.Test) == 0 {
		st, err := r.Inspect(ctx, id)
		if err != nil {
			return err
		}
		if !st.Running {
			return notReady(id, fmt.Sprintf("container is %s", st.State))
		}
		return nil
	}

	cmd, err := probeCommand(check.Test)
	if err != nil {
		return engine.NewConfigError(engine.ErrCodeInvalidField, err.Error()).WithResource(id)
	}

	exec, err := r.api.ContainerExecCreate(ctx, id, container.ExecOptions{Cmd: cmd})
	if err != nil {
		// A container that is not running rejects exec with a conflict;
		// that is a failed probe, not a fatal error.
		classified := classify(err, id, "probe")
		if engine.HasCode(classified, engine.ErrCodeAlreadyExists) {
			return notReady(id, "container is not running")
		}
		return classified
	}
	if err := r.api.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return classify(err, id, "probe")
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		inspect, err := r.api.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return classify(err, id, "probe")
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return notReady(id, fmt.Sprintf("health test exited with %d", inspect.ExitCode))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func probeCommand(test []string) ([]string, error) {
	switch test[0] {
	case "NONE":
		return nil, fmt.Errorf("health test NONE cannot be used as a readiness probe")
	case "CMD":
		if len(test) < 2 {
			return nil, fmt.Errorf("health test CMD needs a command")
		}
		return test[1:], nil
	case "CMD-SHELL":
		if len(test) != 2 {
			return nil, fmt.Errorf("health test CMD-SHELL takes exactly one command string")
		}
		return []string{"/bin/sh", "-c", test[1]}, nil
	default:
		return test, nil
	}
}

func notReady(id, msg string) error {
	return engine.NewTransientError(msg, nil).
		WithCode(engine.ErrCodeRuntimeFailed).
		WithResource(id).
		WithOperation("probe")
}
