// Package protocol defines the job envelope exchanged between the dispatcher
// and the out-of-process consumer. An Envelope is created once per submitted
// sandbox action, published on the queue, and never mutated afterwards.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Action identifies the sandbox operation carried by an Envelope.
type Action string

const (
	ActionInitialize             Action = "initialize"
	ActionCreateInstance         Action = "createInstance"
	ActionListAllInstances       Action = "listAllInstances"
	ActionGetInstanceDetails     Action = "getInstanceDetails"
	ActionGetInstanceStatus      Action = "getInstanceStatus"
	ActionShutdownInstance       Action = "shutdownInstance"
	ActionWriteFiles             Action = "writeFiles"
	ActionGetFiles               Action = "getFiles"
	ActionExecuteCommands        Action = "executeCommands"
	ActionGetInstanceErrors      Action = "getInstanceErrors"
	ActionClearInstanceErrors    Action = "clearInstanceErrors"
	ActionRunStaticAnalysisCode  Action = "runStaticAnalysisCode"
	ActionDeployInstance         Action = "deployInstance"
	ActionGetLogs                Action = "getLogs"
	ActionClearLogs              Action = "clearLogs"
	ActionDeployToExternalTarget Action = "deployToExternalTarget"
	ActionPushToRepository       Action = "pushToRepository"
	ActionGetTemplateDetails     Action = "getTemplateDetails"
)

// Actions lists every known action in declaration order.
var Actions = []Action{
	ActionInitialize,
	ActionCreateInstance,
	ActionListAllInstances,
	ActionGetInstanceDetails,
	ActionGetInstanceStatus,
	ActionShutdownInstance,
	ActionWriteFiles,
	ActionGetFiles,
	ActionExecuteCommands,
	ActionGetInstanceErrors,
	ActionClearInstanceErrors,
	ActionRunStaticAnalysisCode,
	ActionDeployInstance,
	ActionGetLogs,
	ActionClearLogs,
	ActionDeployToExternalTarget,
	ActionPushToRepository,
	ActionGetTemplateDetails,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, ok := paramFactories[a]
	return ok
}

func (a Action) String() string { return string(a) }

// Attribute keys attached to every published message so consumers and
// monitoring can filter without decoding the body.
const (
	AttrSessionID    = "sessionId"
	AttrAgentID      = "agentId"
	AttrTemplateName = "templateName"
	AttrProjectName  = "projectName"
	AttrAction       = "action"
)

// Envelope is the serializable contract for one sandbox action.
// SessionID is stable for the lifetime of a sandbox and doubles as the
// status record key.
type Envelope struct {
	SessionID    string
	AgentID      string
	TemplateName string
	ProjectName  string
	Action       Action
	IssuedAt     time.Time // Observability only, never used for ordering.
	Params       Params
}

// NewEnvelope builds an envelope for params. The action is taken from the
// params variant; IssuedAt is stamped by the publisher.
func NewEnvelope(sessionID, agentID, templateName, projectName string, params Params) *Envelope {
	return &Envelope{
		SessionID:    sessionID,
		AgentID:      agentID,
		TemplateName: templateName,
		ProjectName:  projectName,
		Action:       params.Action(),
		Params:       params,
	}
}

// Stamped returns a copy of e with IssuedAt set to t.
func (e Envelope) Stamped(t time.Time) *Envelope {
	e.IssuedAt = t.UTC()
	return &e
}

// Attributes returns the flat attribute map published alongside the body.
func (e *Envelope) Attributes() map[string]string {
	return map[string]string{
		AttrSessionID:    e.SessionID,
		AttrAgentID:      e.AgentID,
		AttrTemplateName: e.TemplateName,
		AttrProjectName:  e.ProjectName,
		AttrAction:       string(e.Action),
	}
}

type wireEnvelope struct {
	SessionID    string          `json:"sessionId"`
	AgentID      string          `json:"agentId"`
	TemplateName string          `json:"templateName"`
	ProjectName  string          `json:"projectName"`
	Action       Action          `json:"action"`
	IssuedAt     time.Time       `json:"issuedAt"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes the envelope with params as a nested object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		SessionID:    e.SessionID,
		AgentID:      e.AgentID,
		TemplateName: e.TemplateName,
		ProjectName:  e.ProjectName,
		Action:       e.Action,
		IssuedAt:     e.IssuedAt,
	}
	if e.Params != nil {
		raw, err := marshalParams(e.Params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", e.Action, err)
		}
		w.Params = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the envelope, selecting the params variant by action.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	params, err := decodeParams(w.Action, w.Params)
	if err != nil {
		return fmt.Errorf("decoding %s params: %w", w.Action, err)
	}
	*e = Envelope{
		SessionID:    w.SessionID,
		AgentID:      w.AgentID,
		TemplateName: w.TemplateName,
		ProjectName:  w.ProjectName,
		Action:       w.Action,
		IssuedAt:     w.IssuedAt,
		Params:       params,
	}
	return nil
}

// Encode serializes the envelope to base64 of its UTF-8 JSON form.
func Encode(e *Envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode reverses Encode.
func Decode(data string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope base64: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if e.SessionID == "" {
		return nil, fmt.Errorf("envelope has no sessionId")
	}
	return &e, nil
}
