// Package schema decodes persisted workflow records, migrating records written
// by older versions before they reach the runtime.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// Record is an undecoded workflow record.
type Record map[string]any

// Migration upgrades a record from one version to the next in place.
type Migration func(Record) error

// migrations is keyed by the version a migration starts from.
var migrations = map[int]Migration{
	1: migrateV1ToV2,
	2: migrateV2ToV3,
}

// v1 records used different state names.
var v1States = map[string]models.ToolState{
	"pending":   models.StateBlocked,
	"waiting":   models.StateAwaitingUser,
	"running":   models.StateRunningRemote,
	"done":      models.StateSucceeded,
	"error":     models.StateFailed,
	"cancelled": models.StateCancelled,
}

// Decode migrates data to the current schema version and decodes it.
// Records newer than this build fail with persistence.ErrUnsupportedSchema.
func Decode(data []byte) (*models.WorkflowInstance, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("malformed workflow record: %w", err)
	}

	if err := Migrate(record); err != nil {
		return nil, err
	}

	migrated, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(migrated, &instance); err != nil {
		return nil, fmt.Errorf("failed to decode workflow record: %w", err)
	}

	Normalize(&instance)

	return &instance, nil
}

// Version reads the schemaVersion of a record. Records without one are v1.
func Version(record Record) int {
	switch v := record["schemaVersion"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Migrate applies every migration between the record's version and the
// current one.
func Migrate(record Record) error {
	version := Version(record)
	if version > models.CurrentSchemaVersion {
		return fmt.Errorf("%w: record version %d, supported %d",
			persistence.ErrUnsupportedSchema, version, models.CurrentSchemaVersion)
	}

	for ; version < models.CurrentSchemaVersion; version++ {
		migration, ok := migrations[version]
		if !ok {
			return fmt.Errorf("no migration from schema version %d", version)
		}

		if err := migration(record); err != nil {
			return fmt.Errorf("migration from schema version %d: %w", version, err)
		}

		record["schemaVersion"] = version + 1
	}

	return nil
}

// migrateV1ToV2 renames the tool "status" field to "state" and maps the v1
// state names.
func migrateV1ToV2(record Record) error {
	for _, tool := range objects(record["tools"]) {
		if _, ok := tool["state"]; !ok {
			tool["state"] = tool["status"]
		}

		delete(tool, "status")

		if name, ok := tool["state"].(string); ok {
			if mapped, found := v1States[name]; found {
				tool["state"] = string(mapped)
			}
		}
	}

	if runs, ok := record["runs"].(map[string]any); ok {
		for _, raw := range runs {
			run, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if name, ok := run["state"].(string); ok {
				if mapped, found := v1States[name]; found {
					run["state"] = string(mapped)
				}
			}
		}
	}

	return nil
}

// migrateV2ToV3 fills the options block and the workflow status introduced in v3.
func migrateV2ToV3(record Record) error {
	if _, ok := record["status"]; !ok {
		record["status"] = string(models.WorkflowStatusActive)
	}

	if _, ok := record["runs"]; !ok {
		record["runs"] = map[string]any{}
	}

	template, ok := record["template"].(map[string]any)
	if !ok {
		return nil
	}

	options, ok := template["options"].(map[string]any)
	if !ok {
		options = map[string]any{}
		template["options"] = options
	}

	if _, ok := options["errorPolicy"]; !ok {
		options["errorPolicy"] = string(models.ErrorPolicyIsolateNode)
	}

	return nil
}

// Normalize maps unknown states to blocked so a record from a newer minor
// build never fails to load.
func Normalize(instance *models.WorkflowInstance) {
	if instance.Status == "" {
		instance.Status = models.WorkflowStatusActive
	}

	if instance.Runs == nil {
		instance.Runs = make(map[string]*models.ToolRun)
	}

	for _, tool := range instance.Tools {
		if !tool.State.Valid() {
			tool.State = models.StateBlocked
			tool.Reason = models.ReasonUnknownState
		}
	}

	for _, run := range instance.Runs {
		if run.State != "" && !run.State.Valid() {
			run.State = models.StateBlocked
		}
	}

	instance.SchemaVersion = models.CurrentSchemaVersion
}

func objects(value any) []map[string]any {
	list, ok := value.([]any)
	if !ok {
		return nil
	}

	result := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if object, ok := item.(map[string]any); ok {
			result = append(result, object)
		}
	}

	return result
}
