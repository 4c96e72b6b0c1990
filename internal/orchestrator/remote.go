// Package orchestrator adapts the asynchronous job protocol to the
// synchronous-looking sandbox API. RemoteSandbox dispatches every mutating
// operation as a queued job and answers status and log reads from the
// session's status record. It never blocks waiting for a job to finish;
// callers that need the outcome poll GetInstanceStatus.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/sandboxq/internal/dispatch"
	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/sandbox"
	"github.com/jkaninda/sandboxq/internal/status"
)

// PendingMessage accompanies every dispatched operation's response.
const PendingMessage = "job dispatched; result not yet available, poll getInstanceStatus for the outcome"

// UnavailableMessage is returned by operations the async backend cannot serve.
const UnavailableMessage = "operation unavailable for this backend"

// Identity names the session a facade acts for.
type Identity struct {
	SessionID    string
	AgentID      string
	TemplateName string
	ProjectName  string
}

// RemoteSandbox implements sandbox.Service over the job queue.
type RemoteSandbox struct {
	id         Identity
	dispatcher *dispatch.Dispatcher
	store      *status.Store
	metrics    *Metrics
	logger     *slog.Logger
}

var _ sandbox.Service = (*RemoteSandbox)(nil)

// NewRemoteSandbox creates a facade bound to one session.
// metrics and logger may be nil.
func NewRemoteSandbox(id Identity, d *dispatch.Dispatcher, store *status.Store, metrics *Metrics, logger *slog.Logger) *RemoteSandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RemoteSandbox{
		id:         id,
		dispatcher: d,
		store:      store,
		metrics:    metrics,
		logger:     logger.With(slog.String("session_id", id.SessionID)),
	}
}

// Identity returns the session this facade acts for.
func (r *RemoteSandbox) Identity() Identity { return r.id }

// dispatch sends params as a job for this session and shapes the outcome
// into a pending response.
func (r *RemoteSandbox) dispatch(ctx context.Context, params protocol.Params) sandbox.BaseResponse {
	env := protocol.NewEnvelope(r.id.SessionID, r.id.AgentID, r.id.TemplateName, r.id.ProjectName, params)
	res, err := r.dispatcher.Dispatch(ctx, env)
	if err != nil {
		r.metrics.observeOperation(params.Action(), "dispatch_failed")
		return sandbox.BaseResponse{
			Success: false,
			RunID:   res.RunID,
			Error:   res.Error,
		}
	}
	r.metrics.observeOperation(params.Action(), "dispatched")
	return sandbox.BaseResponse{
		Success: true,
		Pending: true,
		RunID:   res.RunID,
		Message: PendingMessage,
	}
}

func (r *RemoteSandbox) unavailable(ctx context.Context, action protocol.Action) sandbox.BaseResponse {
	r.metrics.observeOperation(action, "unavailable")
	r.logger.DebugContext(ctx, "operation unavailable", slog.String("action", string(action)))
	return sandbox.BaseResponse{
		Success:     false,
		Unavailable: true,
		Error:       fmt.Sprintf("%s: %s", action, UnavailableMessage),
	}
}

func ref(instanceID string) protocol.InstanceRef { return protocol.InstanceRef{InstanceID: instanceID} }

// sessionFor resolves the record key for a read. An explicit id wins;
// otherwise the facade's own session is used.
func (r *RemoteSandbox) sessionFor(id string) string {
	if id != "" {
		return id
	}
	return r.id.SessionID
}

// --- Dispatching operations ---

func (r *RemoteSandbox) Initialize(ctx context.Context, templateName, projectName string) (*sandbox.BaseResponse, error) {
	resp := r.dispatch(ctx, protocol.InitializeParams{TemplateName: templateName, ProjectName: projectName})
	return &resp, nil
}

func (r *RemoteSandbox) CreateInstance(ctx context.Context, req sandbox.CreateInstanceRequest) (*sandbox.InstanceResponse, error) {
	base := r.dispatch(ctx, protocol.CreateInstanceParams{
		TemplateName: req.TemplateName,
		ProjectName:  req.ProjectName,
		WebhookURL:   req.WebhookURL,
		EnvVars:      req.EnvVars,
	})
	return &sandbox.InstanceResponse{BaseResponse: base, InstanceID: r.id.SessionID}, nil
}

func (r *RemoteSandbox) ShutdownInstance(ctx context.Context, instanceID string) (*sandbox.BaseResponse, error) {
	resp := r.dispatch(ctx, protocol.ShutdownInstanceParams{InstanceRef: ref(instanceID)})
	return &resp, nil
}

func (r *RemoteSandbox) WriteFiles(ctx context.Context, instanceID string, files []protocol.File, commitMessage string) (*sandbox.WriteFilesResponse, error) {
	base := r.dispatch(ctx, protocol.WriteFilesParams{
		InstanceRef:   ref(instanceID),
		Files:         files,
		CommitMessage: commitMessage,
	})
	return &sandbox.WriteFilesResponse{BaseResponse: base}, nil
}

func (r *RemoteSandbox) ExecuteCommands(ctx context.Context, instanceID string, commands []string, timeoutMS int) (*sandbox.CommandsResponse, error) {
	base := r.dispatch(ctx, protocol.ExecuteCommandsParams{
		InstanceRef: ref(instanceID),
		Commands:    commands,
		TimeoutMS:   timeoutMS,
	})
	return &sandbox.CommandsResponse{BaseResponse: base}, nil
}

func (r *RemoteSandbox) ClearInstanceErrors(ctx context.Context, instanceID string) (*sandbox.BaseResponse, error) {
	resp := r.dispatch(ctx, protocol.ClearInstanceErrorsParams{InstanceRef: ref(instanceID)})
	return &resp, nil
}

func (r *RemoteSandbox) DeployInstance(ctx context.Context, instanceID string) (*sandbox.DeployResponse, error) {
	base := r.dispatch(ctx, protocol.DeployInstanceParams{InstanceRef: ref(instanceID)})
	return &sandbox.DeployResponse{BaseResponse: base}, nil
}

func (r *RemoteSandbox) ClearLogs(ctx context.Context, instanceID string) (*sandbox.BaseResponse, error) {
	resp := r.dispatch(ctx, protocol.ClearLogsParams{InstanceRef: ref(instanceID)})
	return &resp, nil
}

func (r *RemoteSandbox) DeployToExternalTarget(ctx context.Context, instanceID, target string, options map[string]string) (*sandbox.DeployResponse, error) {
	base := r.dispatch(ctx, protocol.DeployToExternalTargetParams{
		InstanceRef: ref(instanceID),
		Target:      target,
		Options:     options,
	})
	return &sandbox.DeployResponse{BaseResponse: base}, nil
}

func (r *RemoteSandbox) PushToRepository(ctx context.Context, req sandbox.PushRequest) (*sandbox.BaseResponse, error) {
	resp := r.dispatch(ctx, protocol.PushToRepositoryParams{
		InstanceRef:   ref(req.InstanceID),
		RepositoryURL: req.RepositoryURL,
		Branch:        req.Branch,
		CommitMessage: req.CommitMessage,
	})
	return &resp, nil
}

// --- Poll path ---

// GetInstanceStatus maps the session's status record onto the API's
// status shape. A missing record is pending, not an error.
func (r *RemoteSandbox) GetInstanceStatus(ctx context.Context, instanceID string) (*sandbox.InstanceStatusResponse, error) {
	sessionID := r.sessionFor(instanceID)
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("polling status for %s: %w", sessionID, err)
	}
	resp := MapStatus(rec)
	resp.RunID = sessionID
	r.metrics.observePoll(rec)
	return resp, nil
}

// MapStatus converts a status record (nil when none exists yet) into the
// polled status response.
func MapStatus(rec *status.Record) *sandbox.InstanceStatusResponse {
	if rec == nil {
		return &sandbox.InstanceStatusResponse{
			BaseResponse: sandbox.BaseResponse{Success: true, Pending: true},
			IsHealthy:    false,
		}
	}

	switch rec.Status {
	case status.Failed:
		return &sandbox.InstanceStatusResponse{
			BaseResponse: sandbox.BaseResponse{Success: false, Pending: false, Error: rec.Error, Message: rec.Message},
			IsHealthy:    false,
		}
	case status.Succeeded:
		return &sandbox.InstanceStatusResponse{
			BaseResponse: sandbox.BaseResponse{Success: true, Pending: false, Message: rec.Message},
			IsHealthy:    true,
			PreviewURL:   rec.OutputString("previewURL"),
			TunnelURL:    rec.OutputString("tunnelURL"),
			ProcessID:    rec.OutputString("processId"),
		}
	default:
		return &sandbox.InstanceStatusResponse{
			BaseResponse: sandbox.BaseResponse{Success: true, Pending: true, Message: rec.Message},
			IsHealthy:    false,
		}
	}
}

// GetLogs returns the record's log lines as stdout. A missing record yields
// empty output.
func (r *RemoteSandbox) GetLogs(ctx context.Context, instanceID string, reset bool) (*sandbox.LogsResponse, error) {
	sessionID := r.sessionFor(instanceID)
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading logs for %s: %w", sessionID, err)
	}
	var logs []string
	if rec != nil {
		logs = rec.Logs
	}
	r.metrics.observeOperation(protocol.ActionGetLogs, "read")
	return &sandbox.LogsResponse{
		BaseResponse: sandbox.BaseResponse{Success: true, RunID: sessionID},
		Stdout:       strings.Join(logs, "\n"),
		Stderr:       "",
	}, nil
}

// --- Unavailable on this backend ---

func (r *RemoteSandbox) ListAllInstances(ctx context.Context) (*sandbox.ListInstancesResponse, error) {
	return &sandbox.ListInstancesResponse{BaseResponse: r.unavailable(ctx, protocol.ActionListAllInstances)}, nil
}

func (r *RemoteSandbox) GetInstanceDetails(ctx context.Context, instanceID string) (*sandbox.InstanceDetailsResponse, error) {
	return &sandbox.InstanceDetailsResponse{BaseResponse: r.unavailable(ctx, protocol.ActionGetInstanceDetails)}, nil
}

func (r *RemoteSandbox) GetFiles(ctx context.Context, instanceID string, paths []string) (*sandbox.FilesResponse, error) {
	return &sandbox.FilesResponse{BaseResponse: r.unavailable(ctx, protocol.ActionGetFiles)}, nil
}

func (r *RemoteSandbox) GetInstanceErrors(ctx context.Context, instanceID string) (*sandbox.RuntimeErrorsResponse, error) {
	return &sandbox.RuntimeErrorsResponse{BaseResponse: r.unavailable(ctx, protocol.ActionGetInstanceErrors)}, nil
}

func (r *RemoteSandbox) RunStaticAnalysisCode(ctx context.Context, instanceID string, files []string) (*sandbox.StaticAnalysisResponse, error) {
	return &sandbox.StaticAnalysisResponse{BaseResponse: r.unavailable(ctx, protocol.ActionRunStaticAnalysisCode)}, nil
}

func (r *RemoteSandbox) GetTemplateDetails(ctx context.Context, templateName string) (*sandbox.TemplateDetailsResponse, error) {
	return &sandbox.TemplateDetailsResponse{BaseResponse: r.unavailable(ctx, protocol.ActionGetTemplateDetails)}, nil
}
