package worker

import (
	"context"
	"fmt"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// Outcome is the result of executing one job. Output is copied verbatim into
// the status record and surfaced by the poll path.
type Outcome struct {
	Message string
	Logs    []string
	Output  map[string]any
}

// Executor performs the work an envelope describes.
type Executor interface {
	Execute(ctx context.Context, env *protocol.Envelope) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env *protocol.Envelope) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, env *protocol.Envelope) (Outcome, error) {
	return f(ctx, env)
}

// StubExecutor answers every action with a deterministic outcome derived
// from the envelope. It runs no workload.
type StubExecutor struct {
	// PreviewDomain is the host suffix for synthesized preview URLs.
	PreviewDomain string
}

const defaultPreviewDomain = "preview.sandboxq.local"

func (s StubExecutor) domain() string {
	if s.PreviewDomain != "" {
		return s.PreviewDomain
	}
	return defaultPreviewDomain
}

// Execute implements Executor.
func (s StubExecutor) Execute(ctx context.Context, env *protocol.Envelope) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	switch p := env.Params.(type) {
	case protocol.InitializeParams:
		return Outcome{
			Message: fmt.Sprintf("initialized template %s", p.TemplateName),
			Logs:    []string{"template " + p.TemplateName + " ready"},
		}, nil

	case protocol.CreateInstanceParams:
		return Outcome{
			Message: "instance created",
			Logs:    []string{"created instance for " + env.SessionID},
			Output: map[string]any{
				"previewURL": fmt.Sprintf("https://%s.%s", env.SessionID, s.domain()),
				"tunnelURL":  fmt.Sprintf("https://tunnel-%s.%s", env.SessionID, s.domain()),
				"processId":  "proc-" + env.SessionID,
			},
		}, nil

	case protocol.WriteFilesParams:
		logs := make([]string, 0, len(p.Files))
		for _, f := range p.Files {
			logs = append(logs, fmt.Sprintf("wrote %s (%d bytes)", f.Path, len(f.Contents)))
		}
		return Outcome{
			Message: fmt.Sprintf("wrote %d files", len(p.Files)),
			Logs:    logs,
			Output:  map[string]any{"filesWritten": len(p.Files)},
		}, nil

	case protocol.ExecuteCommandsParams:
		logs := make([]string, 0, len(p.Commands))
		for _, c := range p.Commands {
			logs = append(logs, "$ "+c)
		}
		return Outcome{
			Message: fmt.Sprintf("executed %d commands", len(p.Commands)),
			Logs:    logs,
		}, nil

	case protocol.DeployInstanceParams:
		return Outcome{
			Message: "deployed",
			Output:  map[string]any{"previewURL": fmt.Sprintf("https://%s.%s", env.SessionID, s.domain())},
		}, nil

	case protocol.DeployToExternalTargetParams:
		return Outcome{
			Message: "deployed to " + p.Target,
			Output:  map[string]any{"target": p.Target},
		}, nil

	case protocol.PushToRepositoryParams:
		branch := p.Branch
		if branch == "" {
			branch = "main"
		}
		return Outcome{
			Message: fmt.Sprintf("pushed to %s (%s)", p.RepositoryURL, branch),
		}, nil

	case protocol.ShutdownInstanceParams, protocol.ClearInstanceErrorsParams, protocol.ClearLogsParams:
		return Outcome{Message: string(env.Action) + " done"}, nil

	case protocol.UnknownParams:
		return Outcome{}, fmt.Errorf("unsupported action %q", p.Kind)

	default:
		return Outcome{}, fmt.Errorf("action %s cannot be executed by this worker", env.Action)
	}
}
