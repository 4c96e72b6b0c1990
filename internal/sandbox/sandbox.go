// Package sandbox defines the platform's sandbox API: the operations the
// coding agent and the HTTP layer call to create, drive and inspect a
// disposable execution environment. The remote implementation lives in the
// orchestrator package; responses from it are snapshots of an asynchronous
// job, so most carry a Pending flag.
package sandbox

import (
	"context"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// Service is the sandbox API. Every method is non-blocking with respect to
// the remote work: dispatching operations return as soon as the job is
// enqueued.
type Service interface {
	Initialize(ctx context.Context, templateName, projectName string) (*BaseResponse, error)
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*InstanceResponse, error)
	ListAllInstances(ctx context.Context) (*ListInstancesResponse, error)
	GetInstanceDetails(ctx context.Context, instanceID string) (*InstanceDetailsResponse, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*InstanceStatusResponse, error)
	ShutdownInstance(ctx context.Context, instanceID string) (*BaseResponse, error)
	WriteFiles(ctx context.Context, instanceID string, files []protocol.File, commitMessage string) (*WriteFilesResponse, error)
	GetFiles(ctx context.Context, instanceID string, paths []string) (*FilesResponse, error)
	ExecuteCommands(ctx context.Context, instanceID string, commands []string, timeoutMS int) (*CommandsResponse, error)
	GetInstanceErrors(ctx context.Context, instanceID string) (*RuntimeErrorsResponse, error)
	ClearInstanceErrors(ctx context.Context, instanceID string) (*BaseResponse, error)
	RunStaticAnalysisCode(ctx context.Context, instanceID string, files []string) (*StaticAnalysisResponse, error)
	DeployInstance(ctx context.Context, instanceID string) (*DeployResponse, error)
	GetLogs(ctx context.Context, instanceID string, reset bool) (*LogsResponse, error)
	ClearLogs(ctx context.Context, instanceID string) (*BaseResponse, error)
	DeployToExternalTarget(ctx context.Context, instanceID, target string, options map[string]string) (*DeployResponse, error)
	PushToRepository(ctx context.Context, req PushRequest) (*BaseResponse, error)
	GetTemplateDetails(ctx context.Context, templateName string) (*TemplateDetailsResponse, error)
}

// BaseResponse is embedded in every response.
type BaseResponse struct {
	Success bool `json:"success"`
	// Pending is set while the remote job has no terminal result.
	Pending bool `json:"pending"`
	// Unavailable marks operations this backend cannot serve.
	Unavailable bool   `json:"unavailable,omitempty"`
	RunID       string `json:"runId,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CreateInstanceRequest describes a new sandbox instance.
type CreateInstanceRequest struct {
	TemplateName string            `json:"templateName"`
	ProjectName  string            `json:"projectName"`
	WebhookURL   string            `json:"webhookUrl,omitempty"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
}

// PushRequest pushes an instance's workspace to a git remote.
type PushRequest struct {
	InstanceID    string `json:"instanceId"`
	RepositoryURL string `json:"repositoryUrl"`
	Branch        string `json:"branch,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// InstanceResponse is returned by CreateInstance.
type InstanceResponse struct {
	BaseResponse
	InstanceID string `json:"instanceId,omitempty"`
	PreviewURL string `json:"previewURL,omitempty"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	ProcessID  string `json:"processId,omitempty"`
}

// InstanceStatusResponse is the polled state of an instance's latest job.
type InstanceStatusResponse struct {
	BaseResponse
	IsHealthy  bool   `json:"isHealthy"`
	PreviewURL string `json:"previewURL,omitempty"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	ProcessID  string `json:"processId,omitempty"`
}

// InstanceSummary describes one running instance.
type InstanceSummary struct {
	InstanceID   string `json:"instanceId"`
	TemplateName string `json:"templateName,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
	PreviewURL   string `json:"previewURL,omitempty"`
}

type ListInstancesResponse struct {
	BaseResponse
	Instances []InstanceSummary `json:"instances,omitempty"`
}

type InstanceDetailsResponse struct {
	BaseResponse
	Instance *InstanceSummary `json:"instance,omitempty"`
}

type WriteFilesResponse struct {
	BaseResponse
	Written []string `json:"written,omitempty"`
}

type FilesResponse struct {
	BaseResponse
	Files []protocol.File `json:"files,omitempty"`
}

// CommandResult is the outcome of one shell command.
type CommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

type CommandsResponse struct {
	BaseResponse
	Results []CommandResult `json:"results,omitempty"`
}

// RuntimeError is an error captured from the running application.
type RuntimeError struct {
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type RuntimeErrorsResponse struct {
	BaseResponse
	Errors []RuntimeError `json:"errors,omitempty"`
}

// AnalysisIssue is one lint or type-check finding.
type AnalysisIssue struct {
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

type StaticAnalysisResponse struct {
	BaseResponse
	Issues []AnalysisIssue `json:"issues,omitempty"`
}

type DeployResponse struct {
	BaseResponse
	DeploymentURL string `json:"deploymentUrl,omitempty"`
}

type LogsResponse struct {
	BaseResponse
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// TemplateDetails describes a project template.
type TemplateDetails struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
}

type TemplateDetailsResponse struct {
	BaseResponse
	Template *TemplateDetails `json:"template,omitempty"`
}
