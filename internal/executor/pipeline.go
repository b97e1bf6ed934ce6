package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
)

// ProgressFunc reports that step of total has been reached.
type ProgressFunc func(step, total int, message string)

// Pipeline is the content-generation pipeline. It receives a private copy of
// the job definition and may take a long time or fail. Implementations must
// return promptly once ctx is done.
type Pipeline interface {
	Execute(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (outputPath string, err error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error)

func (f PipelineFunc) Execute(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
	return f(ctx, runID, job, report)
}

// DefaultSteps are the stages the stub pipeline walks through.
var DefaultSteps = []string{
	"writing script",
	"synthesizing voice",
	"lip-syncing",
	"compositing video",
	"rendering overlays",
}

// StubPipeline stands in for the external generation pipeline. It walks
// through Steps, sleeping StepDelay for each, and writes a small manifest
// into OutputDir as the run's output.
type StubPipeline struct {
	OutputDir string
	StepDelay time.Duration
	Steps     []string
}

func (p *StubPipeline) Execute(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
	steps := p.Steps
	if len(steps) == 0 {
		steps = DefaultSteps
	}

	for i, step := range steps {
		report(i, len(steps), step)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.StepDelay):
		}
	}

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	out := filepath.Join(p.OutputDir, runID+".txt")
	manifest := fmt.Sprintf("job=%s\nname=%s\ntopic=%s\noverlays=%d\n",
		job.ID, job.Name, job.Config.Topic, len(job.Config.Overlays))
	if err := os.WriteFile(out, []byte(manifest), 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}

	report(len(steps), len(steps), "finished")
	return out, nil
}
