package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stagecraft/pkg/config"
	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// validationReport is the JSON form of a validate run.
type validationReport struct {
	Valid    bool     `json:"valid"`
	Project  string   `json:"project,omitempty"`
	Sources  []string `json:"sources"`
	Services int      `json:"services"`
	Stages   int      `json:"stages"`
	Errors   []string `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		watch       bool
		printMerged bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the merged configuration",
		Long: `Decode every configuration source, merge them in order, infer image
references and validate the result: required fields, duplicate names,
dangling references and service dependency cycles.

With --watch the configuration is re-validated whenever a source changes.`,
		Example: `  # Validate the default stagecraft.yaml (+ overrides)
  stagecraft validate

  # Validate an explicit layering and print the merged result
  stagecraft validate -c base.yaml -c prod.cue --print

  # Keep validating while editing
  stagecraft validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := loadPaths()
			if err != nil {
				return err
			}

			log.Info().
				Strs("sources", paths.ConfigFiles).
				Bool("watch", watch).
				Msg("Validating configuration")

			loader, err := config.NewLoader(paths, log.Logger)
			if err != nil {
				return err
			}

			if watch {
				w := config.NewWatcher(loader, log.Logger)
				return w.Run(cmd.Context(), func(flow *model.Flow, errs []error, loadErr error) {
					if loadErr != nil {
						fmt.Printf("✗ %v\n", loadErr)
						return
					}
					if err := reportValidation(paths, flow, errs, false); err != nil {
						log.Debug().Err(err).Msg("Configuration invalid")
					}
				})
			}

			flow, errs, err := loader.LoadFinal()
			if err != nil {
				return err
			}
			return reportValidation(paths, flow, errs, printMerged)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate whenever a config file changes")
	cmd.Flags().BoolVar(&printMerged, "print", false, "print the merged configuration as YAML")

	return cmd
}

// reportValidation prints the outcome and returns a VALIDATION_ERROR when
// errs is not empty.
func reportValidation(paths config.ProjectPaths, flow *model.Flow, errs []error, printFlow bool) error {
	report := validationReport{
		Valid:    len(errs) == 0,
		Project:  flow.Name,
		Sources:  paths.ConfigFiles,
		Services: len(flow.Services),
		Stages:   len(flow.Stages),
	}
	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		if report.Valid {
			fmt.Fprintf(stdout, "✓ Configuration valid: project %q, %d services, %d stages\n",
				report.Project, report.Services, report.Stages)
		} else {
			fmt.Fprintf(stdout, "✗ Configuration has %d error(s):\n", len(report.Errors))
			for _, e := range report.Errors {
				fmt.Fprintf(stdout, "  - %s\n", e)
			}
		}
		if printFlow {
			out, err := yaml.Marshal(flow)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			fmt.Fprintf(stdout, "\n%s", out)
		}
	}

	if report.Valid {
		return nil
	}
	return engine.NewPermanentError("configuration is invalid", errors.Join(errs...)).
		WithCode(engine.ErrCodeValidation).
		WithOperation("validate")
}
