package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// Mode selects what the generator produces.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModePreview  Mode = "preview"
)

// ErrNoGenerator is returned when no generator command is configured.
var ErrNoGenerator = errors.New("no generator configured")

// Request is the payload handed to the generator: the document and the
// section and subsection flags, passed through verbatim.
type Request struct {
	JSONPath     string          `json:"json_path"`
	Sections     map[string]bool `json:"sections"`
	SectionOrder []string        `json:"section_order,omitempty"`
}

// Result describes a finished generation.
type Result struct {
	Mode     Mode          `json:"mode"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Generator produces a sheet or a preview from a request.
type Generator interface {
	Generate(ctx context.Context, mode Mode, req Request) (*Result, error)
}

// CommandConfig configures a CommandGenerator.
type CommandConfig struct {
	Command    []string
	OutputDir  string
	PreviewDir string
	Timeout    time.Duration
}

// CommandGenerator runs an external command per request. The request JSON is
// written to the command's stdin; the mode, document and expected output path
// are passed in SHEETSMITH_MODE, SHEETSMITH_DOCUMENT and SHEETSMITH_OUTPUT.
type CommandGenerator struct {
	cfg    CommandConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	now    func() time.Time
}

// NewCommandGenerator creates a generator. An empty command yields a generator
// that always fails with ErrNoGenerator.
func NewCommandGenerator(cfg CommandConfig, tel *telemetry.Telemetry, logger zerolog.Logger) *CommandGenerator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &CommandGenerator{
		cfg:    cfg,
		tel:    tel,
		logger: logger.With().Str("component", "generator").Logger(),
		now:    time.Now,
	}
}

// Generate runs the command and returns the path it produced.
func (g *CommandGenerator) Generate(ctx context.Context, mode Mode, req Request) (res *Result, err error) {
	ctx, span := g.tel.Tracer.StartGenerateSpan(ctx, string(mode), req.JSONPath)
	timer := telemetry.NewTimer()
	defer func() {
		status := "ok"
		output := ""
		if err != nil {
			status = "error"
			telemetry.RecordError(span, err)
		} else {
			output = res.Output
			telemetry.RecordSuccess(span)
		}
		span.End()
		g.tel.Metrics.RecordGeneration(string(mode), status, timer.Duration())
		_ = g.tel.Events.PublishGeneration(string(mode), req.JSONPath, output, err)
	}()

	if len(g.cfg.Command) == 0 {
		return nil, ErrNoGenerator
	}
	if mode != ModeGenerate && mode != ModePreview {
		return nil, fmt.Errorf("unknown generation mode %q", mode)
	}
	if req.JSONPath == "" {
		return nil, fmt.Errorf("%w: json_path required", ErrInvalidDocument)
	}
	if _, err := os.Stat(req.JSONPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, req.JSONPath)
	}

	output := g.OutputPath(mode, req.JSONPath)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.cfg.Command[0], g.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"SHEETSMITH_MODE="+string(mode),
		"SHEETSMITH_DOCUMENT="+req.JSONPath,
		"SHEETSMITH_OUTPUT="+output,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	g.logger.Debug().
		Str("mode", string(mode)).
		Str("document", req.JSONPath).
		Str("output", output).
		Msg("Running generator")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generator timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("generator failed: %w: %s", err, tail(out.String(), 512))
	}

	if _, err := os.Stat(output); err != nil {
		return nil, fmt.Errorf("generator produced no output at %s", output)
	}

	g.logger.Info().
		Str("mode", string(mode)).
		Str("output", output).
		Dur("duration", timer.Duration()).
		Msg("Generation completed")

	return &Result{Mode: mode, Output: output, Duration: timer.Duration()}, nil
}

// OutputPath returns where the generator is asked to write for a document.
// Previews are timestamped so the browser never shows a cached one.
func (g *CommandGenerator) OutputPath(mode Mode, document string) string {
	stem := strings.TrimSuffix(filepath.Base(document), filepath.Ext(document))
	stem = strings.ReplaceAll(stem, " ", "_")

	if mode == ModePreview {
		ts := g.now().Format("2006-01-02_15-04-05")
		return filepath.Join(g.cfg.PreviewDir, fmt.Sprintf("preview_%s_%s.html", stem, ts))
	}
	return filepath.Join(g.cfg.OutputDir, stem+"_sheet.pdf")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
