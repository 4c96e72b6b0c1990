package protocol

import (
	"bytes"
	"encoding/json"
)

// Params is the closed set of per-action parameter structs. Each variant
// reports the action it belongs to; UnknownParams carries actions this
// build does not know about.
type Params interface {
	Action() Action
}

// InstanceRef names the sandbox instance an action targets.
type InstanceRef struct {
	InstanceID string `json:"instanceId,omitempty"`
}

// File is a single file written into a sandbox.
type File struct {
	Path     string `json:"filePath"`
	Contents string `json:"fileContents"`
}

type InitializeParams struct {
	TemplateName string `json:"templateName,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
}

type CreateInstanceParams struct {
	TemplateName string            `json:"templateName"`
	ProjectName  string            `json:"projectName"`
	WebhookURL   string            `json:"webhookUrl,omitempty"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
}

type ListAllInstancesParams struct{}

type GetInstanceDetailsParams struct{ InstanceRef }

type GetInstanceStatusParams struct{ InstanceRef }

type ShutdownInstanceParams struct{ InstanceRef }

type WriteFilesParams struct {
	InstanceRef
	Files         []File `json:"files"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

type GetFilesParams struct {
	InstanceRef
	Paths []string `json:"filePaths,omitempty"`
}

type ExecuteCommandsParams struct {
	InstanceRef
	Commands  []string `json:"commands"`
	TimeoutMS int      `json:"timeoutMs,omitempty"`
}

type GetInstanceErrorsParams struct{ InstanceRef }

type ClearInstanceErrorsParams struct{ InstanceRef }

type RunStaticAnalysisCodeParams struct {
	InstanceRef
	Files []string `json:"files,omitempty"`
}

type DeployInstanceParams struct{ InstanceRef }

type GetLogsParams struct {
	InstanceRef
	Reset bool `json:"reset,omitempty"`
}

type ClearLogsParams struct{ InstanceRef }

type DeployToExternalTargetParams struct {
	InstanceRef
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

type PushToRepositoryParams struct {
	InstanceRef
	RepositoryURL string `json:"repositoryUrl"`
	Branch        string `json:"branch,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

type GetTemplateDetailsParams struct {
	TemplateName string `json:"templateName"`
}

// UnknownParams preserves the raw parameters of an action this build does
// not recognize, so envelopes from newer producers still round-trip.
type UnknownParams struct {
	Kind Action
	Raw  json.RawMessage
}

func (InitializeParams) Action() Action             { return ActionInitialize }
func (CreateInstanceParams) Action() Action         { return ActionCreateInstance }
func (ListAllInstancesParams) Action() Action       { return ActionListAllInstances }
func (GetInstanceDetailsParams) Action() Action     { return ActionGetInstanceDetails }
func (GetInstanceStatusParams) Action() Action      { return ActionGetInstanceStatus }
func (ShutdownInstanceParams) Action() Action       { return ActionShutdownInstance }
func (WriteFilesParams) Action() Action             { return ActionWriteFiles }
func (GetFilesParams) Action() Action               { return ActionGetFiles }
func (ExecuteCommandsParams) Action() Action        { return ActionExecuteCommands }
func (GetInstanceErrorsParams) Action() Action      { return ActionGetInstanceErrors }
func (ClearInstanceErrorsParams) Action() Action    { return ActionClearInstanceErrors }
func (RunStaticAnalysisCodeParams) Action() Action  { return ActionRunStaticAnalysisCode }
func (DeployInstanceParams) Action() Action         { return ActionDeployInstance }
func (GetLogsParams) Action() Action                { return ActionGetLogs }
func (ClearLogsParams) Action() Action              { return ActionClearLogs }
func (DeployToExternalTargetParams) Action() Action { return ActionDeployToExternalTarget }
func (PushToRepositoryParams) Action() Action       { return ActionPushToRepository }
func (GetTemplateDetailsParams) Action() Action     { return ActionGetTemplateDetails }
func (p UnknownParams) Action() Action              { return p.Kind }

// paramFactories maps each known action to a constructor for its variant.
var paramFactories = map[Action]func() Params{
	ActionInitialize:             func() Params { return &InitializeParams{} },
	ActionCreateInstance:         func() Params { return &CreateInstanceParams{} },
	ActionListAllInstances:       func() Params { return &ListAllInstancesParams{} },
	ActionGetInstanceDetails:     func() Params { return &GetInstanceDetailsParams{} },
	ActionGetInstanceStatus:      func() Params { return &GetInstanceStatusParams{} },
	ActionShutdownInstance:       func() Params { return &ShutdownInstanceParams{} },
	ActionWriteFiles:             func() Params { return &WriteFilesParams{} },
	ActionGetFiles:               func() Params { return &GetFilesParams{} },
	ActionExecuteCommands:        func() Params { return &ExecuteCommandsParams{} },
	ActionGetInstanceErrors:      func() Params { return &GetInstanceErrorsParams{} },
	ActionClearInstanceErrors:    func() Params { return &ClearInstanceErrorsParams{} },
	ActionRunStaticAnalysisCode:  func() Params { return &RunStaticAnalysisCodeParams{} },
	ActionDeployInstance:         func() Params { return &DeployInstanceParams{} },
	ActionGetLogs:                func() Params { return &GetLogsParams{} },
	ActionClearLogs:              func() Params { return &ClearLogsParams{} },
	ActionDeployToExternalTarget: func() Params { return &DeployToExternalTargetParams{} },
	ActionPushToRepository:       func() Params { return &PushToRepositoryParams{} },
	ActionGetTemplateDetails:     func() Params { return &GetTemplateDetailsParams{} },
}

func marshalParams(p Params) (json.RawMessage, error) {
	if u, ok := p.(UnknownParams); ok {
		return u.Raw, nil
	}
	if u, ok := p.(*UnknownParams); ok {
		return u.Raw, nil
	}
	return json.Marshal(p)
}

// decodeParams selects the variant for action and decodes raw into it.
// Known variants are returned by value.
func decodeParams(action Action, raw json.RawMessage) (Params, error) {
	factory, ok := paramFactories[action]
	if !ok {
		return UnknownParams{Kind: action, Raw: raw}, nil
	}
	p := factory()
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, err
		}
	}
	return deref(p), nil
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *InitializeParams:
		return *v
	case *CreateInstanceParams:
		return *v
	case *ListAllInstancesParams:
		return *v
	case *GetInstanceDetailsParams:
		return *v
	case *GetInstanceStatusParams:
		return *v
	case *ShutdownInstanceParams:
		return *v
	case *WriteFilesParams:
		return *v
	case *GetFilesParams:
		return *v
	case *ExecuteCommandsParams:
		return *v
	case *GetInstanceErrorsParams:
		return *v
	case *ClearInstanceErrorsParams:
		return *v
	case *RunStaticAnalysisCodeParams:
		return *v
	case *DeployInstanceParams:
		return *v
	case *GetLogsParams:
		return *v
	case *ClearLogsParams:
		return *v
	case *DeployToExternalTargetParams:
		return *v
	case *PushToRepositoryParams:
		return *v
	case *GetTemplateDetailsParams:
		return *v
	}
	return p
}
