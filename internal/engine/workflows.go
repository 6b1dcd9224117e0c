package engine

import (
	"context"
	"strings"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
	"crmflow/internal/rules"
)

type WorkflowInput struct {
	ID                string
	Name              string
	Description       string
	TriggerType       domain.TriggerType
	TriggerConditions map[string]any
	Actions           []domain.Action
	// IsActive defaults to true.
	IsActive *bool
}

type WorkflowPatch struct {
	Name              *string
	Description       *string
	TriggerType       *domain.TriggerType
	TriggerConditions *map[string]any
	Actions           *[]domain.Action
	IsActive          *bool
}

func (e Engine) AddWorkflow(ctx context.Context, in WorkflowInput) (domain.Workflow, error) {
	w, err := e.newWorkflow(in)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.saveWorkflows(ctx, "workflow.add", w); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

func (e Engine) newWorkflow(in WorkflowInput) (domain.Workflow, error) {
	now := e.timestamp()
	w := rules.Normalize(domain.Workflow{
		ID:                newID(in.ID),
		Name:              in.Name,
		Description:       strings.TrimSpace(in.Description),
		TriggerType:       in.TriggerType,
		TriggerConditions: in.TriggerConditions,
		Actions:           in.Actions,
		IsActive:          in.IsActive == nil || *in.IsActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err := rules.Validate(w); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// saveWorkflows inserts validated workflows in one transaction.
func (e Engine) saveWorkflows(ctx context.Context, evtType string, ws ...domain.Workflow) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range ws {
		if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if _, err := e.events().Append(ctx, tx, evtType, domain.KindWorkflow, w.ID, "", e.actor(), events.EventPayload{"name": w.Name, "trigger_type": w.TriggerType, "actions": len(w.Actions)}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, nil, id)
}

func (e Engine) ListWorkflows(ctx context.Context, f repo.WorkflowFilters, opts repo.ListOptions) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, nil, f, opts)
}

// WorkflowsForTrigger reads every workflow registered for t, active or not,
// oldest first. It is called on each dispatch.
func (e Engine) WorkflowsForTrigger(ctx context.Context, t domain.TriggerType) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, nil, repo.WorkflowFilters{TriggerType: t}, repo.ListOptions{OrderBy: "created_at"})
}

func (e Engine) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (domain.Workflow, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflow(ctx, tx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	changed := []string{}
	if patch.Name != nil {
		w.Name = *patch.Name
		changed = append(changed, "name")
	}
	if patch.Description != nil {
		w.Description = strings.TrimSpace(*patch.Description)
		changed = append(changed, "description")
	}
	if patch.TriggerType != nil {
		w.TriggerType = *patch.TriggerType
		changed = append(changed, "trigger_type")
	}
	if patch.TriggerConditions != nil {
		w.TriggerConditions = *patch.TriggerConditions
		changed = append(changed, "trigger_conditions")
	}
	if patch.Actions != nil {
		w.Actions = *patch.Actions
		changed = append(changed, "actions")
	}
	if patch.IsActive != nil {
		w.IsActive = *patch.IsActive
		changed = append(changed, "is_active")
	}
	w = rules.Normalize(w)
	if err := rules.Validate(w); err != nil {
		return domain.Workflow{}, err
	}
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if _, err := e.events().Append(ctx, tx, "workflow.update", domain.KindWorkflow, w.ID, "", e.actor(), events.EventPayload{"fields": changed}); err != nil {
		return domain.Workflow{}, err
	}
	return w, tx.Commit()
}

// ToggleActive flips is_active and touches nothing else.
func (e Engine) ToggleActive(ctx context.Context, id string) (domain.Workflow, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflow(ctx, tx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	w.IsActive = !w.IsActive
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if _, err := e.events().Append(ctx, tx, "workflow.toggle", domain.KindWorkflow, w.ID, "", e.actor(), events.EventPayload{"is_active": w.IsActive}); err != nil {
		return domain.Workflow{}, err
	}
	return w, tx.Commit()
}

func (e Engine) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWorkflow(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "workflow.delete", domain.KindWorkflow, id, "", e.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}
