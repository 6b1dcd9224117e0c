package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"crmflow/internal/analytics"
	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
)

type StageInput struct {
	Key         string
	Name        string
	Description string
	// Order is the 1-based position to insert at; 0 or past the end appends.
	Order       int
	Probability int
}

type PipelineInput struct {
	ID          string
	Name        string
	Description string
	Stages      []StageInput
}

type PipelinePatch struct {
	Name        *string
	Description *string
	IsActive    *bool
}

type StagePatch struct {
	Name        *string
	Description *string
	Probability *int
	Order       *int
	IfVersion   *int64
}

func (e Engine) CreatePipeline(ctx context.Context, in PipelineInput) (domain.Pipeline, error) {
	now := e.timestamp()
	p := domain.Pipeline{
		ID:          newID(in.ID),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := domain.ValidateStruct("", p).Err(); err != nil {
		return domain.Pipeline{}, err
	}
	stages := make([]domain.Stage, 0, len(in.Stages))
	for i, si := range in.Stages {
		st, err := newStage(p.ID, si, i+1, now)
		if err != nil {
			return domain.Pipeline{}, err
		}
		if err := checkStageUnique(stages, st, ""); err != nil {
			return domain.Pipeline{}, err
		}
		stages = append(stages, st)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPipeline(ctx, tx, p); err != nil {
		return domain.Pipeline{}, err
	}
	for _, st := range stages {
		if err := e.Repo.InsertStage(ctx, tx, st); err != nil {
			return domain.Pipeline{}, err
		}
	}
	if _, err := e.events().Append(ctx, tx, "pipeline.create", domain.KindPipeline, p.ID, p.ID, e.actor(), events.EventPayload{"name": p.Name, "stages": len(stages)}); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}
	p.Stages = stages
	return p, nil
}

// SeedPipelines creates the configured default pipelines whose names are not taken yet.
func (e Engine) SeedPipelines(ctx context.Context, seeds []config.SeedPipeline) ([]domain.Pipeline, error) {
	existing, err := e.Repo.ListPipelines(ctx, nil, repo.PipelineFilters{}, repo.ListOptions{})
	if err != nil {
		return nil, err
	}
	taken := map[string]bool{}
	for _, p := range existing {
		taken[strings.ToLower(p.Name)] = true
	}
	var created []domain.Pipeline
	for _, seed := range seeds {
		if taken[strings.ToLower(strings.TrimSpace(seed.Name))] {
			continue
		}
		in := PipelineInput{Name: seed.Name}
		for _, s := range seed.Stages {
			in.Stages = append(in.Stages, StageInput{Name: s.Name, Probability: s.Probability})
		}
		p, err := e.CreatePipeline(ctx, in)
		if err != nil {
			return created, fmt.Errorf("seed pipeline %q: %w", seed.Name, err)
		}
		created = append(created, p)
	}
	return created, nil
}

func (e Engine) ListPipelines(ctx context.Context, f repo.PipelineFilters, opts repo.ListOptions) ([]domain.Pipeline, error) {
	return e.Repo.ListPipelines(ctx, nil, f, opts)
}

// GetPipeline returns the pipeline with its stages in order.
func (e Engine) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()
	return e.loadPipeline(ctx, tx, id)
}

func (e Engine) loadPipeline(ctx context.Context, q repo.Querier, id string) (domain.Pipeline, error) {
	p, err := e.Repo.GetPipeline(ctx, q, id)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p.Stages, err = e.Repo.ListStages(ctx, q, id)
	return p, err
}

func (e Engine) UpdatePipeline(ctx context.Context, id string, patch PipelinePatch) (domain.Pipeline, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPipeline(ctx, tx, id)
	if err != nil {
		return domain.Pipeline{}, err
	}
	payload := events.EventPayload{}
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
		payload["name"] = p.Name
	}
	if patch.Description != nil {
		p.Description = strings.TrimSpace(*patch.Description)
		payload["description"] = p.Description
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
		payload["is_active"] = p.IsActive
	}
	if err := domain.ValidateStruct("", p).Err(); err != nil {
		return domain.Pipeline{}, err
	}
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdatePipeline(ctx, tx, p); err != nil {
		return domain.Pipeline{}, err
	}
	if _, err := e.events().Append(ctx, tx, "pipeline.update", domain.KindPipeline, p.ID, p.ID, e.actor(), payload); err != nil {
		return domain.Pipeline{}, err
	}
	if p.Stages, err = e.Repo.ListStages(ctx, tx, id); err != nil {
		return domain.Pipeline{}, err
	}
	return p, tx.Commit()
}

// DeletePipeline removes a pipeline and its stages. Pipelines that still
// hold opportunities are kept.
func (e Engine) DeletePipeline(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPipeline(ctx, tx, id); err != nil {
		return err
	}
	n, err := e.Repo.CountOpportunities(ctx, tx, id, "")
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.Invalid("pipeline", "pipeline %s still holds %d opportunities", id, n)
	}
	if err := e.Repo.DeletePipeline(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "pipeline.delete", domain.KindPipeline, id, id, e.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AddStage inserts a stage at in.Order, shifting later stages down, or
// appends it when the order is 0 or past the end.
func (e Engine) AddStage(ctx context.Context, pipelineID string, in StageInput) (domain.Stage, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPipeline(ctx, tx, pipelineID); err != nil {
		return domain.Stage{}, err
	}
	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return domain.Stage{}, err
	}
	pos := in.Order
	if pos <= 0 || pos > len(stages)+1 {
		pos = len(stages) + 1
	}
	now := e.timestamp()
	st, err := newStage(pipelineID, in, pos, now)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := checkStageUnique(stages, st, ""); err != nil {
		return domain.Stage{}, err
	}
	ordered := make([]domain.Stage, 0, len(stages)+1)
	ordered = append(ordered, stages[:pos-1]...)
	ordered = append(ordered, st)
	ordered = append(ordered, stages[pos-1:]...)

	if err := e.renumber(ctx, tx, ordered, st.ID, now); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Repo.InsertStage(ctx, tx, st); err != nil {
		return domain.Stage{}, err
	}
	if _, err := e.events().Append(ctx, tx, "stage.add", domain.KindStage, st.ID, pipelineID, e.actor(), events.EventPayload{"key": st.Key, "name": st.Name, "order": st.Order, "probability": st.Probability}); err != nil {
		return domain.Stage{}, err
	}
	return st, tx.Commit()
}

// UpdateStage patches a stage. A changed order moves the stage and
// renumbers its siblings; the key never changes.
func (e Engine) UpdateStage(ctx context.Context, pipelineID, stageID string, patch StagePatch) (domain.Stage, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return domain.Stage{}, err
	}
	idx := stageIndex(stages, stageID)
	if idx < 0 {
		return domain.Stage{}, domain.NotFound(domain.KindStage, stageID)
	}
	st := stages[idx]
	if err := checkVersion(domain.KindStage, st.ID, patch.IfVersion, st.Version); err != nil {
		return domain.Stage{}, err
	}
	payload := events.EventPayload{"key": st.Key}
	if patch.Name != nil {
		st.Name = strings.TrimSpace(*patch.Name)
		payload["name"] = st.Name
	}
	if patch.Description != nil {
		st.Description = strings.TrimSpace(*patch.Description)
		payload["description"] = st.Description
	}
	if patch.Probability != nil {
		st.Probability = *patch.Probability
		payload["probability"] = st.Probability
	}
	if err := domain.ValidateStruct("", st).Err(); err != nil {
		return domain.Stage{}, err
	}
	if err := checkStageUnique(stages, st, st.ID); err != nil {
		return domain.Stage{}, err
	}

	now := e.timestamp()
	st.UpdatedAt = now
	stages[idx] = st
	if patch.Order != nil && *patch.Order != st.Order {
		pos := *patch.Order
		if pos < 1 {
			pos = 1
		}
		if pos > len(stages) {
			pos = len(stages)
		}
		rest := append(append([]domain.Stage{}, stages[:idx]...), stages[idx+1:]...)
		ordered := append(append(append([]domain.Stage{}, rest[:pos-1]...), st), rest[pos-1:]...)
		if err := e.renumber(ctx, tx, ordered, st.ID, now); err != nil {
			return domain.Stage{}, err
		}
		st.Order = pos
		payload["order"] = pos
	}
	if err := e.Repo.UpdateStage(ctx, tx, st); err != nil {
		return domain.Stage{}, err
	}
	st.Version++
	if _, err := e.events().Append(ctx, tx, "stage.update", domain.KindStage, st.ID, pipelineID, e.actor(), payload); err != nil {
		return domain.Stage{}, err
	}
	return st, tx.Commit()
}

// ReorderStages renumbers a pipeline's stages to follow stageIDs, which must
// list every stage exactly once.
func (e Engine) ReorderStages(ctx context.Context, pipelineID string, stageIDs []string) ([]domain.Stage, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPipeline(ctx, tx, pipelineID); err != nil {
		return nil, err
	}
	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return nil, err
	}
	if len(stageIDs) != len(stages) {
		return nil, domain.Invalid("stage_ids", "expected %d stage ids, got %d", len(stages), len(stageIDs))
	}
	seen := map[string]bool{}
	ordered := make([]domain.Stage, 0, len(stages))
	for _, id := range stageIDs {
		i := stageIndex(stages, id)
		if i < 0 {
			return nil, domain.Invalid("stage_ids", "stage %s is not part of pipeline %s", id, pipelineID)
		}
		if seen[id] {
			return nil, domain.Invalid("stage_ids", "stage %s listed twice", id)
		}
		seen[id] = true
		ordered = append(ordered, stages[i])
	}
	if err := e.renumber(ctx, tx, ordered, "", e.timestamp()); err != nil {
		return nil, err
	}
	if _, err := e.events().Append(ctx, tx, "stage.reorder", domain.KindPipeline, pipelineID, pipelineID, e.actor(), events.EventPayload{"stage_ids": stageIDs}); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return nil, err
	}
	return res, tx.Commit()
}

// DeleteStage removes a stage and closes the order gap. Opportunities still
// on the stage block the delete under the reject policy; under
// require_reassignment they are moved to reassignTo first.
func (e Engine) DeleteStage(ctx context.Context, pipelineID, stageID, reassignTo string) ([]domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return nil, err
	}
	idx := stageIndex(stages, stageID)
	if idx < 0 {
		return nil, domain.NotFound(domain.KindStage, stageID)
	}
	st := stages[idx]
	held, err := e.Repo.ListOpportunities(ctx, tx, repo.OpportunityFilters{PipelineID: pipelineID, Stage: st.Key}, repo.ListOptions{OrderBy: "created_at"})
	if err != nil {
		return nil, err
	}

	var produced []domain.DomainEvent
	if len(held) > 0 {
		notEmpty := &domain.StageNotEmptyError{StageKey: st.Key, Opportunities: len(held)}
		if e.Config.Pipeline.DeleteStagePolicy != config.DeleteStageRequireReassignment || strings.TrimSpace(reassignTo) == "" {
			return nil, notEmpty
		}
		dest, ok := resolveStage(stages, reassignTo)
		if !ok || dest.ID == st.ID {
			return nil, domain.Invalid("reassign_to", "%q is not another stage of pipeline %s", reassignTo, pipelineID)
		}
		for _, o := range held {
			evt, moved, err := e.moveTx(ctx, tx, o, dest, 0, e.actor())
			if err != nil {
				return nil, err
			}
			if moved {
				produced = append(produced, evt)
			}
		}
	}

	if err := e.Repo.DeleteStage(ctx, tx, st.ID); err != nil {
		return nil, err
	}
	rest := append(append([]domain.Stage{}, stages[:idx]...), stages[idx+1:]...)
	if err := e.renumber(ctx, tx, rest, "", e.timestamp()); err != nil {
		return nil, err
	}
	if _, err := e.events().Append(ctx, tx, "stage.delete", domain.KindStage, st.ID, pipelineID, e.actor(), events.EventPayload{"key": st.Key, "reassigned": len(produced), "reassign_to": reassignTo}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, evt := range produced {
		e.Metrics.StageMoved(pipelineID, evt.Payload[domain.PayloadToStage].(string))
	}
	return e.dispatch(ctx, produced...), nil
}

// Aggregate computes per-stage counts and values from one consistent read.
func (e Engine) Aggregate(ctx context.Context, pipelineID string) (analytics.PipelineAggregate, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return analytics.PipelineAggregate{}, err
	}
	defer tx.Rollback()

	p, err := e.loadPipeline(ctx, tx, pipelineID)
	if err != nil {
		return analytics.PipelineAggregate{}, err
	}
	opps, err := e.Repo.ListOpportunities(ctx, tx, repo.OpportunityFilters{PipelineID: pipelineID}, repo.ListOptions{})
	if err != nil {
		return analytics.PipelineAggregate{}, err
	}
	return analytics.Aggregate(p, p.Stages, opps), nil
}

// renumber writes orders 1..N following ordered. The stage with skipID is
// not stored yet and only gets its Order assigned by the caller.
func (e Engine) renumber(ctx context.Context, tx *sql.Tx, ordered []domain.Stage, skipID, now string) error {
	for i, st := range ordered {
		if st.ID == skipID || st.Order == i+1 {
			continue
		}
		st.Order = i + 1
		st.UpdatedAt = now
		if err := e.Repo.UpdateStage(ctx, tx, st); err != nil {
			return fmt.Errorf("renumber stage %s: %w", st.Key, err)
		}
	}
	return nil
}

func newStage(pipelineID string, in StageInput, order int, now string) (domain.Stage, error) {
	name := strings.TrimSpace(in.Name)
	key := strings.TrimSpace(in.Key)
	if key == "" {
		key = name
	}
	st := domain.Stage{
		ID:          newID(""),
		PipelineID:  pipelineID,
		Key:         key,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Order:       order,
		Probability: in.Probability,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := domain.ValidateStruct("", st).Err(); err != nil {
		return domain.Stage{}, err
	}
	return st, nil
}

// checkStageUnique rejects a key already used in the pipeline or a name
// equal to another stage's name ignoring case. A key may not equal another
// stage's name, nor a name another stage's key, so every reference resolves
// to one stage.
func checkStageUnique(stages []domain.Stage, st domain.Stage, selfID string) error {
	for _, other := range stages {
		if other.ID == selfID {
			continue
		}
		if other.Key == st.Key {
			return domain.Invalid("key", "stage key %q already exists", st.Key)
		}
		if strings.EqualFold(other.Name, st.Name) {
			return domain.Invalid("name", "stage name %q already exists", st.Name)
		}
		if strings.EqualFold(other.Name, st.Key) {
			return domain.Invalid("key", "stage key %q is the name of another stage", st.Key)
		}
		if strings.EqualFold(other.Key, st.Name) {
			return domain.Invalid("name", "stage name %q is the key of another stage", st.Name)
		}
	}
	return nil
}

func stageIndex(stages []domain.Stage, id string) int {
	for i, st := range stages {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// resolveStage finds a stage by exact key, then by case-insensitive name.
func resolveStage(stages []domain.Stage, ref string) (domain.Stage, bool) {
	ref = strings.TrimSpace(ref)
	for _, st := range stages {
		if st.Key == ref || st.ID == ref {
			return st, true
		}
	}
	for _, st := range stages {
		if strings.EqualFold(st.Name, ref) {
			return st, true
		}
	}
	return domain.Stage{}, false
}
