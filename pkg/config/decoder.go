package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// Format is a configuration source syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
	FormatTOML Format = "toml"
)

// FormatOf selects the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// SourceError is a decode failure with its position in the source.
type SourceError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *SourceError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
}

// Decoder decodes configuration sources into partial Flows.
type Decoder struct {
	mu     sync.Mutex
	cue    *cue.Context
	schema cue.Value
}

// NewDecoder creates a decoder. The CUE schema is compiled once.
func NewDecoder() (*Decoder, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(flowSchema, cue.Filename("stagecraft-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile flow schema: %w", err)
	}
	return &Decoder{
		cue:    ctx,
		schema: schema.LookupPath(cue.ParsePath("#Flow")),
	}, nil
}

// DecodeFile reads and decodes one source, choosing the format by
// extension.
func (d *Decoder) DecodeFile(path string) (*model.Flow, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return d.Decode(path, format, data)
}

// Decode decodes data in the given format. name labels error positions.
func (d *Decoder) Decode(name string, format Format, data []byte) (*model.Flow, error) {
	var (
		flow *model.Flow
		err  error
	)
	switch format {
	case FormatYAML:
		flow, err = decodeYAML(name, data)
	case FormatCUE:
		flow, err = d.decodeCUE(name, data)
	case FormatTOML:
		flow, err = decodeTOML(name, data)
	default:
		err = fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to decode %s", name), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(name).
			WithOperation("decode")
	}
	return flow, nil
}

func decodeYAML(name string, data []byte) (*model.Flow, error) {
	var flow model.Flow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&flow); err != nil {
		if errors.Is(err, io.EOF) {
			return &flow, nil
		}
		return nil, &SourceError{File: name, Message: err.Error()}
	}
	return &flow, nil
}

func decodeTOML(name string, data []byte) (*model.Flow, error) {
	var flow model.Flow
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&flow)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return nil, &SourceError{File: name, Line: perr.Position.Line, Column: perr.Position.Col, Message: perr.Message}
		}
		return nil, &SourceError{File: name, Message: err.Error()}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, &SourceError{File: name, Message: "unknown keys: " + strings.Join(keys, ", ")}
	}
	return &flow, nil
}

func (d *Decoder) decodeCUE(name string, data []byte) (*model.Flow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	val := d.cue.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, cueSourceError(name, err)
	}
	unified := d.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueSourceError(name, err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueSourceError(name, err)
	}
	var flow model.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, &SourceError{File: name, Message: err.Error()}
	}
	return &flow, nil
}

// cueSourceError keeps the first CUE error with its position.
func cueSourceError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SourceError{File: name, Message: err.Error()}
	}
	out := &SourceError{File: name, Message: strings.TrimSpace(cueerrors.Details(errs[0], nil))}
	if pos := cueerrors.Positions(errs[0]); len(pos) > 0 {
		out.Line = pos[0].Line()
		out.Column = pos[0].Column()
		if f := pos[0].Filename(); f != "" {
			out.File = f
		}
	}
	return out
}
