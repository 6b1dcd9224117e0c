package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"crmflow/internal/domain"
)

//go:embed schema/workflow.schema.json
var workflowSchemaJSON []byte

var workflowSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(workflowSchemaJSON))
})

// WorkflowSchema returns the JSON schema definition files are checked against.
func WorkflowSchema() []byte {
	return workflowSchemaJSON
}

type workflowDoc struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	TriggerType       string          `json:"trigger_type"`
	TriggerConditions map[string]any  `json:"trigger_conditions"`
	Actions           []domain.Action `json:"actions"`
	IsActive          *bool           `json:"is_active"`
}

// ImportWorkflows saves the workflows of a YAML or JSON definition file.
// The file holds one workflow, a list of workflows, or a mapping with a
// workflows list. Nothing is saved unless every definition is valid.
func (e Engine) ImportWorkflows(ctx context.Context, data []byte) ([]domain.Workflow, error) {
	items, err := parseWorkflowDocs(data)
	if err != nil {
		return nil, err
	}
	schema, err := workflowSchema()
	if err != nil {
		return nil, fmt.Errorf("load workflow schema: %w", err)
	}

	var errs domain.ValidationErrors
	ws := make([]domain.Workflow, 0, len(items))
	for i, item := range items {
		prefix := fmt.Sprintf("workflows[%d]", i)
		res, err := schema.Validate(gojsonschema.NewGoLoader(item))
		if err != nil {
			return nil, domain.Invalid(prefix, "%v", err)
		}
		if !res.Valid() {
			for _, desc := range res.Errors() {
				errs = append(errs, &domain.ValidationError{Field: prefix + "." + desc.Field(), Reason: desc.Description()})
			}
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var doc workflowDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			errs = append(errs, &domain.ValidationError{Field: prefix, Reason: err.Error()})
			continue
		}
		w, err := e.newWorkflow(WorkflowInput{
			ID:                doc.ID,
			Name:              doc.Name,
			Description:       doc.Description,
			TriggerType:       domain.TriggerType(doc.TriggerType),
			TriggerConditions: doc.TriggerConditions,
			Actions:           doc.Actions,
			IsActive:          doc.IsActive,
		})
		if err != nil {
			errs = append(errs, &domain.ValidationError{Field: prefix, Reason: err.Error()})
			continue
		}
		ws = append(ws, w)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if err := e.saveWorkflows(ctx, "workflow.import", ws...); err != nil {
		return nil, err
	}
	return ws, nil
}

// parseWorkflowDocs decodes YAML (and therefore JSON) into plain JSON values.
func parseWorkflowDocs(data []byte) ([]any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.Invalid("definition", "parse: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, domain.Invalid("definition", "%v", err)
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	switch v := plain.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if list, ok := v["workflows"]; ok {
			items, ok := list.([]any)
			if !ok {
				return nil, domain.Invalid("workflows", "must be a list")
			}
			return items, nil
		}
		return []any{v}, nil
	}
	return nil, domain.Invalid("definition", "expected a workflow, a list of workflows or a workflows key")
}
