package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxq/internal/orchestrator"
	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/sandbox"
)

// dispatchOptions carries the flags of the dispatch command.
type dispatchOptions struct {
	SessionID    string
	AgentID      string
	TemplateName string
	ProjectName  string
	InstanceID   string
	Files        []string // path=contents or path=@localfile
	Commands     []string
	TimeoutMS    int
	Target       string
	Options      []string // key=value
	Repository   string
	Branch       string
	Message      string
	WebhookURL   string
	EnvVars      []string // KEY=value
}

var dispatchOpts dispatchOptions

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <action>",
	Short: "Submit a sandbox action for a session",
	Long: `Submit one sandbox action. The command returns as soon as the job is
queued; poll it with "sandboxq status <session-id>".

Actions: initialize, createInstance, shutdownInstance, writeFiles,
executeCommands, clearInstanceErrors, deployInstance, clearLogs,
deployToExternalTarget, pushToRepository.`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func init() {
	f := dispatchCmd.Flags()
	f.StringVar(&dispatchOpts.SessionID, "session", "", "session id (default: a new UUID)")
	f.StringVar(&dispatchOpts.AgentID, "agent", "cli", "agent id recorded on the envelope")
	f.StringVar(&dispatchOpts.TemplateName, "template", "", "template name")
	f.StringVar(&dispatchOpts.ProjectName, "project", "", "project name")
	f.StringVar(&dispatchOpts.InstanceID, "instance", "", "instance id (default: the session id)")
	f.StringArrayVar(&dispatchOpts.Files, "file", nil, "file to write as path=contents or path=@localfile (repeatable)")
	f.StringArrayVar(&dispatchOpts.Commands, "cmd", nil, "command to execute (repeatable)")
	f.IntVar(&dispatchOpts.TimeoutMS, "timeout-ms", 0, "command timeout in milliseconds")
	f.StringVar(&dispatchOpts.Target, "target", "", "external deploy target")
	f.StringArrayVar(&dispatchOpts.Options, "option", nil, "deploy option as key=value (repeatable)")
	f.StringVar(&dispatchOpts.Repository, "repo", "", "repository URL to push to")
	f.StringVar(&dispatchOpts.Branch, "branch", "", "branch to push")
	f.StringVar(&dispatchOpts.Message, "message", "", "commit message")
	f.StringVar(&dispatchOpts.WebhookURL, "webhook", "", "webhook URL for createInstance")
	f.StringArrayVar(&dispatchOpts.EnvVars, "env", nil, "instance environment variable as KEY=value (repeatable)")
}

func runDispatch(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	action := protocol.Action(args[0])
	opts := dispatchOpts
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	sc, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	svc := sc.Sessions.Open(orchestrator.Identity{
		SessionID:    opts.SessionID,
		AgentID:      opts.AgentID,
		TemplateName: opts.TemplateName,
		ProjectName:  opts.ProjectName,
	})

	resp, err := invoke(ctx, svc, action, opts)
	if err != nil {
		return err
	}

	// The memory queue has no external worker; run the job here.
	if sc.Local() {
		n, err := sc.newConsumer("").Drain(ctx, 0)
		if err != nil {
			sc.Logger.Error("local drain failed", slog.String("error", err.Error()))
		}
		sc.Logger.Debug("local drain finished", slog.Int("handled", n))
	}

	if err := printJSON(os.Stdout, map[string]any{
		"sessionId": opts.SessionID,
		"response":  resp,
	}); err != nil {
		return err
	}
	if !responseOK(resp) {
		return fmt.Errorf("dispatching %s failed", action)
	}
	return nil
}

// invoke calls the facade operation named by action.
func invoke(ctx context.Context, svc sandbox.Service, action protocol.Action, opts dispatchOptions) (any, error) {
	id := opts.InstanceID
	switch action {
	case protocol.ActionInitialize:
		return svc.Initialize(ctx, opts.TemplateName, opts.ProjectName)
	case protocol.ActionCreateInstance:
		env, err := parsePairs(opts.EnvVars)
		if err != nil {
			return nil, fmt.Errorf("parsing --env: %w", err)
		}
		return svc.CreateInstance(ctx, sandbox.CreateInstanceRequest{
			TemplateName: opts.TemplateName,
			ProjectName:  opts.ProjectName,
			WebhookURL:   opts.WebhookURL,
			EnvVars:      env,
		})
	case protocol.ActionShutdownInstance:
		return svc.ShutdownInstance(ctx, id)
	case protocol.ActionWriteFiles:
		files, err := parseFiles(opts.Files, os.ReadFile)
		if err != nil {
			return nil, err
		}
		return svc.WriteFiles(ctx, id, files, opts.Message)
	case protocol.ActionExecuteCommands:
		if len(opts.Commands) == 0 {
			return nil, fmt.Errorf("executeCommands requires at least one --cmd")
		}
		return svc.ExecuteCommands(ctx, id, opts.Commands, opts.TimeoutMS)
	case protocol.ActionClearInstanceErrors:
		return svc.ClearInstanceErrors(ctx, id)
	case protocol.ActionDeployInstance:
		return svc.DeployInstance(ctx, id)
	case protocol.ActionClearLogs:
		return svc.ClearLogs(ctx, id)
	case protocol.ActionDeployToExternalTarget:
		if opts.Target == "" {
			return nil, fmt.Errorf("deployToExternalTarget requires --target")
		}
		options, err := parsePairs(opts.Options)
		if err != nil {
			return nil, fmt.Errorf("parsing --option: %w", err)
		}
		return svc.DeployToExternalTarget(ctx, id, opts.Target, options)
	case protocol.ActionPushToRepository:
		if opts.Repository == "" {
			return nil, fmt.Errorf("pushToRepository requires --repo")
		}
		return svc.PushToRepository(ctx, sandbox.PushRequest{
			InstanceID:    id,
			RepositoryURL: opts.Repository,
			Branch:        opts.Branch,
			CommitMessage: opts.Message,
		})
	}
	if action.Valid() {
		return nil, fmt.Errorf("action %s is not dispatched as a job", action)
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

// parseFiles turns path=contents pairs into files. A value starting with @
// names a local file to read.
func parseFiles(entries []string, readFile func(string) ([]byte, error)) ([]protocol.File, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("writeFiles requires at least one --file")
	}
	files := make([]protocol.File, 0, len(entries))
	for _, entry := range entries {
		path, contents, ok := strings.Cut(entry, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --file %q (want path=contents)", entry)
		}
		if local, isRef := strings.CutPrefix(contents, "@"); isRef {
			data, err := readFile(local)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", local, err)
			}
			contents = string(data)
		}
		files = append(files, protocol.File{Path: path, Contents: contents})
	}
	return files, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

// responseOK reports the Success flag of any facade response.
func responseOK(resp any) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	var base sandbox.BaseResponse
	if err := json.Unmarshal(data, &base); err != nil {
		return false
	}
	return base.Success
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
