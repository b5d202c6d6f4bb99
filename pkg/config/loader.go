package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// Loader decodes and merges a project's configuration sources.
type Loader struct {
	paths   ProjectPaths
	decoder *Decoder
	logger  zerolog.Logger
}

// NewLoader creates a loader for the given project paths.
func NewLoader(paths ProjectPaths, logger zerolog.Logger) (*Loader, error) {
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &Loader{
		paths:   paths,
		decoder: dec,
		logger:  logger.With().Str("component", "config-loader").Logger(),
	}, nil
}

// Paths returns the project paths the loader reads from.
func (l *Loader) Paths() ProjectPaths {
	return l.paths
}

// Load decodes every source and merges them in order. The result is not
// finalized.
func (l *Loader) Load() (*model.Flow, error) {
	if len(l.paths.ConfigFiles) == 0 {
		return nil, fmt.Errorf("no config files to load")
	}
	sources := make([]*model.Flow, 0, len(l.paths.ConfigFiles))
	for _, path := range l.paths.ConfigFiles {
		flow, err := l.decoder.DecodeFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug().
			Str("file", path).
			Int("services", len(flow.Services)).
			Int("stages", len(flow.Stages)).
			Msg("Config source decoded")
		sources = append(sources, flow)
	}
	return MergeAll(sources...), nil
}

// LoadFinal loads, merges, infers images and validates. Config errors are
// returned alongside the flow; err is set only when a source could not be
// read or decoded.
func (l *Loader) LoadFinal() (*model.Flow, []error, error) {
	merged, err := l.Load()
	if err != nil {
		return nil, nil, err
	}
	flow, errs := Finalize(merged)
	l.logger.Info().
		Str("project", flow.Name).
		Int("sources", len(l.paths.ConfigFiles)).
		Int("services", len(flow.Services)).
		Int("stages", len(flow.Stages)).
		Int("errors", len(errs)).
		Msg("Configuration loaded")
	return flow, errs, nil
}
