// ABOUTME: CRUD tool handlers over the service-desk record store.
// ABOUTME: Thin translators; filtered-list failures are run through the diagnostic engine.

package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/2389/helpdesk-gateway/internal/upstream"
)

// deskAPI is the slice of the upstream client the record tools use.
type deskAPI interface {
	ListRecords(ctx context.Context, entityType, filter string, limit, offset int) ([]upstream.Record, error)
	GetRecord(ctx context.Context, entityType, id string) (upstream.Record, error)
	CreateRecord(ctx context.Context, entityType string, fields upstream.Record) (upstream.Record, error)
	UpdateRecord(ctx context.Context, entityType, id string, fields upstream.Record) (upstream.Record, error)
	DeleteRecord(ctx context.Context, entityType, id string) error
}

// enricher turns a failed filtered query into a diagnosable error where
// possible; otherwise it returns the original error.
type enricher interface {
	Enrich(ctx context.Context, entityType, filter string, origErr error) error
}

// RecordToolsConfig wraps RegisterRecordTools inputs.
type RecordToolsConfig struct {
	API      deskAPI
	Diagnose enricher
	Logger   *slog.Logger
}

type recordTools struct {
	api      deskAPI
	diagnose enricher
	logger   *slog.Logger
}

// RegisterRecordTools adds the record CRUD tools to the registry.
func RegisterRecordTools(registry *Registry, cfg RecordToolsConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &recordTools{api: cfg.API, diagnose: cfg.Diagnose, logger: logger}

	entries := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "list_records",
				Description: "List records of an entity type, optionally filtered",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entity_type":{"type":"string"},"filter":{"type":"string"},"limit":{"type":"integer"},"offset":{"type":"integer"}},"required":["entity_type"]}`),
			},
			handler: rt.listRecords,
		},
		{
			def: Definition{
				Name:        "get_record",
				Description: "Fetch one record by id",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entity_type":{"type":"string"},"id":{"type":"string"}},"required":["entity_type","id"]}`),
			},
			handler: rt.getRecord,
		},
		{
			def: Definition{
				Name:        "create_record",
				Description: "Create a record",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entity_type":{"type":"string"},"fields":{"type":"object"}},"required":["entity_type","fields"]}`),
			},
			handler: rt.createRecord,
		},
		{
			def: Definition{
				Name:        "update_record",
				Description: "Apply a partial update to a record",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entity_type":{"type":"string"},"id":{"type":"string"},"fields":{"type":"object"}},"required":["entity_type","id","fields"]}`),
			},
			handler: rt.updateRecord,
		},
		{
			def: Definition{
				Name:        "delete_record",
				Description: "Delete a record by id",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entity_type":{"type":"string"},"id":{"type":"string"}},"required":["entity_type","id"]}`),
			},
			handler: rt.deleteRecord,
		},
	}

	for _, entry := range entries {
		if err := registry.Register(entry.def, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

type listArgs struct {
	EntityType string `json:"entity_type"`
	Filter     string `json:"filter"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

func (rt *recordTools) listRecords(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityType == "" {
		return nil, &ValidationError{Field: "entity_type", Reason: "required"}
	}

	records, err := rt.api.ListRecords(ctx, args.EntityType, args.Filter, args.Limit, args.Offset)
	if err != nil {
		if args.Filter != "" && rt.diagnose != nil {
			err = rt.diagnose.Enrich(ctx, args.EntityType, args.Filter, err)
		}
		return nil, err
	}
	return map[string]any{"records": records, "count": len(records)}, nil
}

type idArgs struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
}

func (rt *recordTools) getRecord(ctx context.Context, raw json.RawMessage) (any, error) {
	var args idArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	return rt.api.GetRecord(ctx, args.EntityType, args.ID)
}

type mutateArgs struct {
	EntityType string          `json:"entity_type"`
	ID         string          `json:"id"`
	Fields     upstream.Record `json:"fields"`
}

func (rt *recordTools) createRecord(ctx context.Context, raw json.RawMessage) (any, error) {
	var args mutateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityType == "" {
		return nil, &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if len(args.Fields) == 0 {
		return nil, &ValidationError{Field: "fields", Reason: "required"}
	}
	return rt.api.CreateRecord(ctx, args.EntityType, args.Fields)
}

func (rt *recordTools) updateRecord(ctx context.Context, raw json.RawMessage) (any, error) {
	var args mutateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityType == "" {
		return nil, &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if args.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	if len(args.Fields) == 0 {
		return nil, &ValidationError{Field: "fields", Reason: "required"}
	}
	return rt.api.UpdateRecord(ctx, args.EntityType, args.ID, args.Fields)
}

func (rt *recordTools) deleteRecord(ctx context.Context, raw json.RawMessage) (any, error) {
	var args idArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	if err := rt.api.DeleteRecord(ctx, args.EntityType, args.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "id": args.ID}, nil
}

func (a *idArgs) validate() error {
	if a.EntityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if a.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	return nil
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "arguments", Reason: "required"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Field: "arguments", Reason: "malformed JSON"}
	}
	return nil
}
