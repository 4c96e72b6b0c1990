// Package firestore implements the status backend over the Firestore REST
// API. Each session is one document; writes go through documents:commit
// with a precondition on the update time read just before, so a concurrent
// writer surfaces as protocol.ErrConflict.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jkaninda/sandboxq/internal/gcp"
	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
	"github.com/jkaninda/sandboxq/internal/status"
)

const (
	// DefaultEndpoint is the public Firestore REST root.
	DefaultEndpoint = "https://firestore.googleapis.com"
	// DefaultDatabase is the project's default database id.
	DefaultDatabase = "(default)"
	// DefaultCollection holds one document per session.
	DefaultCollection = "sandboxRuns"
)

// Config names the database and collection.
type Config struct {
	Project    string
	Database   string
	Collection string
	Endpoint   string
}

// Backend implements status.Backend over Firestore.
type Backend struct {
	cfg    Config
	client *gcp.Client
}

// New creates a Firestore backend.
func New(cfg Config, tokens secrets.TokenProvider, opts ...gcp.Option) *Backend {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Backend{cfg: cfg, client: gcp.NewClient(endpoint, tokens, opts...)}
}

func (b *Backend) Name() string { return "firestore" }

func (b *Backend) databasePath() (string, error) {
	if b.cfg.Project == "" {
		return "", protocol.MissingConfig("SANDBOX_PROJECT")
	}
	return fmt.Sprintf("projects/%s/databases/%s", b.cfg.Project, b.cfg.Database), nil
}

// DocumentName returns the full resource name of a session's document.
func (b *Backend) DocumentName(sessionID string) (string, error) {
	db, err := b.databasePath()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/documents/%s/%s", db, b.cfg.Collection, url.PathEscape(sessionID)), nil
}

type document struct {
	Name       string           `json:"name,omitempty"`
	Fields     map[string]value `json:"fields,omitempty"`
	CreateTime string           `json:"createTime,omitempty"`
	UpdateTime string           `json:"updateTime,omitempty"`
}

// Load reads the session document. A 404 means no record yet.
func (b *Backend) Load(ctx context.Context, sessionID string) (status.Document, error) {
	name, err := b.DocumentName(sessionID)
	if err != nil {
		return status.Document{}, err
	}

	var doc document
	code, err := b.client.Do(ctx, "firestore.get", http.MethodGet, "/v1/"+name, nil, &doc)
	if code == http.StatusNotFound {
		return status.Document{}, nil
	}
	if err != nil {
		return status.Document{}, err
	}

	rec, version, err := fromFields(doc.Fields)
	if err != nil {
		return status.Document{}, fmt.Errorf("decoding document %s: %w", name, err)
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	return status.Document{Record: rec, Version: version, Revision: doc.UpdateTime}, nil
}

type precondition struct {
	Exists     *bool  `json:"exists,omitempty"`
	UpdateTime string `json:"updateTime,omitempty"`
}

type write struct {
	Update          document     `json:"update"`
	CurrentDocument precondition `json:"currentDocument"`
}

// Save commits rec as a full-document update. The first write requires the
// document not to exist; later writes require its update time to match the
// one read in prev.
func (b *Backend) Save(ctx context.Context, rec *status.Record, prev status.Document, next int64) error {
	name, err := b.DocumentName(rec.SessionID)
	if err != nil {
		return err
	}
	db, _ := b.databasePath()

	fields, err := toFields(rec, next)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", name, err)
	}

	w := write{Update: document{Name: name, Fields: fields}}
	if prev.Exists() && prev.Revision != "" {
		w.CurrentDocument.UpdateTime = prev.Revision
	} else {
		w.CurrentDocument.Exists = ptr(prev.Exists())
	}

	req := struct {
		Writes []write `json:"writes"`
	}{Writes: []write{w}}
	_, err = b.client.Do(ctx, "firestore.commit", http.MethodPost, "/v1/"+db+"/documents:commit", req, nil)
	if err != nil && isConflict(err) {
		return fmt.Errorf("committing %s: %w", name, errors.Join(protocol.ErrConflict, err))
	}
	return err
}

// isConflict reports whether a commit failed because its precondition no
// longer held or the transaction was aborted by contention.
func isConflict(err error) bool {
	var te *protocol.TransportError
	if !errors.As(err, &te) {
		return false
	}
	if te.StatusCode == http.StatusConflict {
		return true
	}
	switch te.Status {
	case "ABORTED", "FAILED_PRECONDITION", "ALREADY_EXISTS", "10":
		return true
	}
	return false
}

func toFields(rec *status.Record, version int64) (map[string]value, error) {
	fields := map[string]value{
		"sessionId": stringValue(rec.SessionID),
		"action":    stringValue(string(rec.Action)),
		"status":    stringValue(string(rec.Status)),
		"updatedAt": timestampValue(rec.UpdatedAt),
		"version":   integerValue(version),
	}
	if rec.Message != "" {
		fields["message"] = stringValue(rec.Message)
	}
	if rec.Error != "" {
		fields["error"] = stringValue(rec.Error)
	}
	if len(rec.Logs) > 0 {
		v, err := encodeValue(rec.Logs)
		if err != nil {
			return nil, fmt.Errorf("logs: %w", err)
		}
		fields["logs"] = v
	}
	if len(rec.Output) > 0 {
		v, err := encodeValue(rec.Output)
		if err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
		fields["output"] = v
	}
	return fields, nil
}

func fromFields(fields map[string]value) (*status.Record, int64, error) {
	m, err := decodeFields(fields)
	if err != nil {
		return nil, 0, err
	}
	rec := &status.Record{
		SessionID: str(m["sessionId"]),
		Action:    protocol.Action(str(m["action"])),
		Status:    status.Status(str(m["status"])),
		Message:   str(m["message"]),
		Error:     str(m["error"]),
	}
	if t, ok := m["updatedAt"].(time.Time); ok {
		rec.UpdatedAt = t
	}
	if logs, ok := m["logs"].([]any); ok {
		for _, l := range logs {
			rec.Logs = append(rec.Logs, str(l))
		}
	}
	if out, ok := m["output"].(map[string]any); ok {
		rec.Output = out
	}
	version, _ := m["version"].(int64)
	return rec, version, nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
