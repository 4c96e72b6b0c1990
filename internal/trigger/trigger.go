// Package trigger starts out-of-process execution for a published message.
// A trigger is a hint: the consumer also discovers work by sweeping the
// subscription, so a lost trigger delays a job but never loses it.
package trigger

import (
	"context"
	"net/http"
	"strings"

	"github.com/jkaninda/sandboxq/internal/gcp"
	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
)

// Result describes an accepted trigger.
type Result struct {
	Triggered bool
	Detail    string // e.g. the execution's operation name.
}

// Trigger starts execution for the message that carries env.
type Trigger interface {
	Trigger(ctx context.Context, env *protocol.Envelope, messageID string) (Result, error)
}

// Noop accepts every trigger without starting anything.
type Noop struct{}

func (Noop) Trigger(context.Context, *protocol.Envelope, string) (Result, error) {
	return Result{Triggered: false, Detail: "trigger disabled"}, nil
}

// DefaultRunEndpoint is the public Cloud Run Admin API root.
const DefaultRunEndpoint = "https://run.googleapis.com"

// CloudRunConfig names the job to execute. Job accepts a full resource path
// or a short name resolved against Project and Region.
type CloudRunConfig struct {
	Project  string
	Region   string
	Job      string
	Endpoint string
}

// CloudRunJobs triggers a Cloud Run job execution per message.
type CloudRunJobs struct {
	cfg    CloudRunConfig
	client *gcp.Client
}

// NewCloudRunJobs creates a Cloud Run Jobs trigger.
func NewCloudRunJobs(cfg CloudRunConfig, tokens secrets.TokenProvider, opts ...gcp.Option) *CloudRunJobs {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultRunEndpoint
	}
	return &CloudRunJobs{cfg: cfg, client: gcp.NewClient(endpoint, tokens, opts...)}
}

// JobPath resolves the configured job.
func (c *CloudRunJobs) JobPath() (string, error) {
	if c.cfg.Job == "" {
		return "", protocol.MissingConfig("SANDBOX_JOB")
	}
	if c.cfg.Region == "" && !isFullPath(c.cfg.Job) {
		return "", protocol.MissingConfig("SANDBOX_REGION")
	}
	return gcp.ResourceName(c.cfg.Project, "SANDBOX_PROJECT", "locations/"+c.cfg.Region+"/jobs", c.cfg.Job)
}

// CheckConfig reports a missing job, region or project before any message
// is published.
func (c *CloudRunJobs) CheckConfig() error {
	_, err := c.JobPath()
	return err
}

func isFullPath(name string) bool { return strings.HasPrefix(name, "projects/") }

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerOverride struct {
	Env []envVar `json:"env"`
}

type runRequest struct {
	Overrides struct {
		ContainerOverrides []containerOverride `json:"containerOverrides"`
	} `json:"overrides"`
}

// ExecutionEnv returns the variables handed to the job execution so it can
// locate its message without a full subscription scan.
func ExecutionEnv(env *protocol.Envelope, messageID string) map[string]string {
	return map[string]string{
		"SANDBOX_MESSAGE_ID":    messageID,
		"SANDBOX_SESSION_ID":    env.SessionID,
		"SANDBOX_AGENT_ID":      env.AgentID,
		"SANDBOX_ACTION":        string(env.Action),
		"SANDBOX_TEMPLATE_NAME": env.TemplateName,
		"SANDBOX_PROJECT_NAME":  env.ProjectName,
	}
}

var executionEnvOrder = []string{
	"SANDBOX_MESSAGE_ID",
	"SANDBOX_SESSION_ID",
	"SANDBOX_AGENT_ID",
	"SANDBOX_ACTION",
	"SANDBOX_TEMPLATE_NAME",
	"SANDBOX_PROJECT_NAME",
}

// Trigger runs the job once. It is not retried here; a failed trigger is
// reported to the dispatcher.
func (c *CloudRunJobs) Trigger(ctx context.Context, env *protocol.Envelope, messageID string) (Result, error) {
	job, err := c.JobPath()
	if err != nil {
		return Result{}, err
	}

	vars := ExecutionEnv(env, messageID)
	var override containerOverride
	for _, k := range executionEnvOrder {
		override.Env = append(override.Env, envVar{Name: k, Value: vars[k]})
	}
	var req runRequest
	req.Overrides.ContainerOverrides = []containerOverride{override}

	var resp struct {
		Name string `json:"name"`
	}
	if _, err := c.client.Do(ctx, "run.jobs.run", http.MethodPost, "/v2/"+job+":run", req, &resp); err != nil {
		return Result{}, err
	}
	return Result{Triggered: true, Detail: resp.Name}, nil
}
