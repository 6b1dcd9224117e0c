package engine

import (
	"context"
	"database/sql"
	"strings"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
)

type OpportunityInput struct {
	ID                string
	PipelineID        string
	Name              string
	Value             float64
	// Probability defaults to the stage probability when nil.
	Probability       *int
	Stage             string
	Status            string
	ExpectedCloseDate string
	ContactID         string
	LeadID            string
	AssigneeID        string
	Tags              []string
}

// OpportunityPatch holds the fields to change. Empty strings clear the
// optional references.
type OpportunityPatch struct {
	Name              *string
	Value             *float64
	Probability       *int
	Stage             *string
	Status            *string
	ExpectedCloseDate *string
	ContactID         *string
	AssigneeID        *string
	Tags              *[]string
	IfVersion         *int64
}

func (e Engine) CreateOpportunity(ctx context.Context, in OpportunityInput) (domain.Opportunity, []domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	defer tx.Rollback()

	o, evt, err := e.createOpportunityTx(ctx, tx, in, 0, e.actor())
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, nil, err
	}
	return o, e.dispatch(ctx, evt), nil
}

func (e Engine) createOpportunityTx(ctx context.Context, tx *sql.Tx, in OpportunityInput, depth int, actor string) (domain.Opportunity, domain.DomainEvent, error) {
	stages, err := e.Repo.ListStages(ctx, tx, in.PipelineID)
	if err != nil {
		return domain.Opportunity{}, domain.DomainEvent{}, err
	}
	if _, err := e.Repo.GetPipeline(ctx, tx, in.PipelineID); err != nil {
		return domain.Opportunity{}, domain.DomainEvent{}, err
	}
	if len(stages) == 0 {
		return domain.Opportunity{}, domain.DomainEvent{}, domain.Invalid("pipeline_id", "pipeline %s has no stages", in.PipelineID)
	}
	st := stages[0]
	if strings.TrimSpace(in.Stage) != "" {
		var ok bool
		if st, ok = resolveStage(stages, in.Stage); !ok {
			return domain.Opportunity{}, domain.DomainEvent{}, domain.Invalid("stage", "stage %q not found in pipeline %s", in.Stage, in.PipelineID)
		}
	}
	now := e.timestamp()
	o := domain.Opportunity{
		ID:                newID(in.ID),
		PipelineID:        in.PipelineID,
		Name:              strings.TrimSpace(in.Name),
		Value:             in.Value,
		Probability:       st.Probability,
		Stage:             st.Key,
		Status:            in.Status,
		ExpectedCloseDate: optionalString(in.ExpectedCloseDate),
		ContactID:         optionalString(in.ContactID),
		LeadID:            optionalString(in.LeadID),
		AssigneeID:        optionalString(in.AssigneeID),
		Tags:              normalizeTags(in.Tags),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.Probability != nil {
		o.Probability = *in.Probability
	}
	if o.Status == "" {
		o.Status = domain.OpportunityOpen
	}
	if err := domain.ValidateStruct("", o).Err(); err != nil {
		return domain.Opportunity{}, domain.DomainEvent{}, err
	}
	if err := e.Repo.InsertOpportunity(ctx, tx, o); err != nil {
		return domain.Opportunity{}, domain.DomainEvent{}, err
	}
	evt := domain.DomainEvent{
		Type:       domain.TriggerOpportunityCreated,
		EntityKind: domain.KindOpportunity,
		EntityID:   o.ID,
		PipelineID: o.PipelineID,
		Payload:    opportunityPayload(o),
		Depth:      depth,
	}
	if _, err := e.events().AppendDomain(ctx, tx, &evt, actor); err != nil {
		return domain.Opportunity{}, domain.DomainEvent{}, err
	}
	return o, evt, nil
}

func opportunityPayload(o domain.Opportunity) map[string]any {
	p := map[string]any{
		domain.PayloadOpportunityID: o.ID,
		"name":                      o.Name,
		"value":                     o.Value,
		"probability":               o.Probability,
		"stage":                     o.Stage,
		"status":                    o.Status,
	}
	if o.AssigneeID != nil {
		p["assignee_id"] = *o.AssigneeID
	}
	if o.ContactID != nil {
		p["contact_id"] = *o.ContactID
	}
	return p
}

func (e Engine) GetOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	return e.Repo.GetOpportunity(ctx, nil, id)
}

func (e Engine) ListOpportunities(ctx context.Context, f repo.OpportunityFilters, opts repo.ListOptions) ([]domain.Opportunity, error) {
	return e.Repo.ListOpportunities(ctx, nil, f, opts)
}

// MoveOpportunity moves an opportunity of pipelineID to the stage named by
// target (key, or name ignoring case). Moving to the current stage changes
// nothing and emits nothing.
func (e Engine) MoveOpportunity(ctx context.Context, pipelineID, opportunityID, target string) (domain.Opportunity, []domain.WorkflowExecutionResult, error) {
	return e.moveOpportunity(ctx, pipelineID, opportunityID, target, 0, e.actor())
}

func (e Engine) moveOpportunity(ctx context.Context, pipelineID, opportunityID, target string, depth int, actor string) (domain.Opportunity, []domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOpportunity(ctx, tx, opportunityID)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	if o.PipelineID != pipelineID {
		return domain.Opportunity{}, nil, &domain.TransitionError{OpportunityID: o.ID, PipelineID: pipelineID, Target: target, Reason: "opportunity belongs to pipeline " + o.PipelineID}
	}
	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	dest, ok := resolveStage(stages, target)
	if !ok {
		return domain.Opportunity{}, nil, &domain.TransitionError{OpportunityID: o.ID, PipelineID: pipelineID, Target: target, Reason: "no such stage"}
	}
	evt, moved, err := e.moveTx(ctx, tx, o, dest, depth, actor)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	if !moved {
		return o, nil, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, nil, err
	}
	e.Metrics.StageMoved(pipelineID, dest.Key)
	o.Stage = dest.Key
	o.Version++
	o.UpdatedAt = evt.OccurredAt
	return o, e.dispatch(ctx, evt), nil
}

// moveTx writes the stage change of o and logs its stage_changed event in
// tx. It reports false when o already sits on dest.
func (e Engine) moveTx(ctx context.Context, tx *sql.Tx, o domain.Opportunity, dest domain.Stage, depth int, actor string) (domain.DomainEvent, bool, error) {
	from := o.Stage
	if from == dest.Key {
		return domain.DomainEvent{}, false, nil
	}
	now := e.timestamp()
	o.Stage = dest.Key
	o.UpdatedAt = now
	if err := e.Repo.UpdateOpportunity(ctx, tx, o); err != nil {
		return domain.DomainEvent{}, false, err
	}
	evt := domain.DomainEvent{
		Type:       domain.TriggerStageChanged,
		EntityKind: domain.KindOpportunity,
		EntityID:   o.ID,
		PipelineID: o.PipelineID,
		Payload: map[string]any{
			domain.PayloadOpportunityID: o.ID,
			domain.PayloadFromStage:     from,
			domain.PayloadToStage:       dest.Key,
		},
		OccurredAt: now,
		Depth:      depth,
	}
	if _, err := e.events().AppendDomain(ctx, tx, &evt, actor); err != nil {
		return domain.DomainEvent{}, false, err
	}
	return evt, true, nil
}

// UpdateOpportunity applies patch. A stage change is performed as a move
// and emits stage_changed.
func (e Engine) UpdateOpportunity(ctx context.Context, id string, patch OpportunityPatch) (domain.Opportunity, []domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOpportunity(ctx, tx, id)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	if err := checkVersion(domain.KindOpportunity, o.ID, patch.IfVersion, o.Version); err != nil {
		return domain.Opportunity{}, nil, err
	}
	payload := events.EventPayload{}
	if patch.Name != nil {
		o.Name = strings.TrimSpace(*patch.Name)
		payload["name"] = o.Name
	}
	if patch.Value != nil {
		o.Value = *patch.Value
		payload["value"] = o.Value
	}
	if patch.Probability != nil {
		o.Probability = *patch.Probability
		payload["probability"] = o.Probability
	}
	if patch.Status != nil {
		o.Status = strings.TrimSpace(*patch.Status)
		payload["status"] = o.Status
	}
	if patch.ExpectedCloseDate != nil {
		o.ExpectedCloseDate = optionalString(*patch.ExpectedCloseDate)
		payload["expected_close_date"] = derefString(o.ExpectedCloseDate)
	}
	if patch.ContactID != nil {
		o.ContactID = optionalString(*patch.ContactID)
		payload["contact_id"] = derefString(o.ContactID)
	}
	if patch.AssigneeID != nil {
		o.AssigneeID = optionalString(*patch.AssigneeID)
		payload["assignee_id"] = derefString(o.AssigneeID)
	}
	if patch.Tags != nil {
		o.Tags = normalizeTags(*patch.Tags)
		payload["tags"] = o.Tags
	}
	if err := domain.ValidateStruct("", o).Err(); err != nil {
		return domain.Opportunity{}, nil, err
	}

	if len(payload) > 0 {
		o.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateOpportunity(ctx, tx, o); err != nil {
			return domain.Opportunity{}, nil, err
		}
		o.Version++
		if _, err := e.events().Append(ctx, tx, "opportunity.update", domain.KindOpportunity, o.ID, o.PipelineID, e.actor(), payload); err != nil {
			return domain.Opportunity{}, nil, err
		}
	}

	var produced []domain.DomainEvent
	if patch.Stage != nil {
		stages, err := e.Repo.ListStages(ctx, tx, o.PipelineID)
		if err != nil {
			return domain.Opportunity{}, nil, err
		}
		dest, ok := resolveStage(stages, *patch.Stage)
		if !ok {
			return domain.Opportunity{}, nil, &domain.TransitionError{OpportunityID: o.ID, PipelineID: o.PipelineID, Target: *patch.Stage, Reason: "no such stage"}
		}
		evt, moved, err := e.moveTx(ctx, tx, o, dest, 0, e.actor())
		if err != nil {
			return domain.Opportunity{}, nil, err
		}
		if moved {
			o.Stage = dest.Key
			o.Version++
			o.UpdatedAt = evt.OccurredAt
			produced = append(produced, evt)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, nil, err
	}
	for range produced {
		e.Metrics.StageMoved(o.PipelineID, o.Stage)
	}
	return o, e.dispatch(ctx, produced...), nil
}

func (e Engine) DeleteOpportunity(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOpportunity(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteOpportunity(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "opportunity.delete", domain.KindOpportunity, id, o.PipelineID, e.actor(), events.EventPayload{"name": o.Name}); err != nil {
		return err
	}
	return tx.Commit()
}
