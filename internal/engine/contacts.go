package engine

import (
	"context"
	"strings"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
)

type ContactInput struct {
	ID         string
	Name       string
	Email      string
	Phone      string
	Company    string
	AssigneeID string
	Tags       []string
}

type ContactPatch struct {
	Name       *string
	Email      *string
	Phone      *string
	Company    *string
	AssigneeID *string
	Tags       *[]string
	IfVersion  *int64
}

type LeadInput struct {
	ID         string
	Name       string
	Email      string
	Company    string
	Source     string
	Status     string
	AssigneeID string
	Tags       []string
}

type LeadPatch struct {
	Name       *string
	Email      *string
	Company    *string
	Source     *string
	Status     *string
	AssigneeID *string
	Tags       *[]string
	IfVersion  *int64
}

// ConvertInput describes the opportunity created from a lead.
type ConvertInput struct {
	PipelineID string
	Name       string
	Value      float64
	Stage      string
	ContactID  string
}

func (e Engine) CreateContact(ctx context.Context, in ContactInput) (domain.Contact, []domain.WorkflowExecutionResult, error) {
	now := e.timestamp()
	c := domain.Contact{
		ID:         newID(in.ID),
		Name:       strings.TrimSpace(in.Name),
		Email:      strings.TrimSpace(in.Email),
		Phone:      strings.TrimSpace(in.Phone),
		Company:    strings.TrimSpace(in.Company),
		AssigneeID: optionalString(in.AssigneeID),
		Tags:       normalizeTags(in.Tags),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := domain.ValidateStruct("", c).Err(); err != nil {
		return domain.Contact{}, nil, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contact{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContact(ctx, tx, c); err != nil {
		return domain.Contact{}, nil, err
	}
	evt := domain.DomainEvent{
		Type:     domain.TriggerContactCreated,
		EntityID: c.ID,
		Payload: map[string]any{
			"contact_id": c.ID,
			"name":       c.Name,
			"email":      c.Email,
			"company":    c.Company,
		},
	}
	if _, err := e.events().AppendDomain(ctx, tx, &evt, e.actor()); err != nil {
		return domain.Contact{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contact{}, nil, err
	}
	return c, e.dispatch(ctx, evt), nil
}

func (e Engine) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	return e.Repo.GetContact(ctx, nil, id)
}

func (e Engine) ListContacts(ctx context.Context, f repo.ContactFilters, opts repo.ListOptions) ([]domain.Contact, error) {
	return e.Repo.ListContacts(ctx, nil, f, opts)
}

func (e Engine) UpdateContact(ctx context.Context, id string, patch ContactPatch) (domain.Contact, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contact{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContact(ctx, tx, id)
	if err != nil {
		return domain.Contact{}, err
	}
	if err := checkVersion(domain.KindContact, id, patch.IfVersion, c.Version); err != nil {
		return domain.Contact{}, err
	}
	payload := events.EventPayload{}
	setString(&c.Name, patch.Name, "name", payload)
	setString(&c.Email, patch.Email, "email", payload)
	setString(&c.Phone, patch.Phone, "phone", payload)
	setString(&c.Company, patch.Company, "company", payload)
	if patch.AssigneeID != nil {
		c.AssigneeID = optionalString(*patch.AssigneeID)
		payload["assignee_id"] = derefString(c.AssigneeID)
	}
	if patch.Tags != nil {
		c.Tags = normalizeTags(*patch.Tags)
		payload["tags"] = c.Tags
	}
	if err := domain.ValidateStruct("", c).Err(); err != nil {
		return domain.Contact{}, err
	}
	c.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateContact(ctx, tx, c); err != nil {
		return domain.Contact{}, err
	}
	c.Version++
	if _, err := e.events().Append(ctx, tx, "contact.update", domain.KindContact, id, "", e.actor(), payload); err != nil {
		return domain.Contact{}, err
	}
	return c, tx.Commit()
}

func (e Engine) DeleteContact(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteContact(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "contact.delete", domain.KindContact, id, "", e.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateLead(ctx context.Context, in LeadInput) (domain.Lead, []domain.WorkflowExecutionResult, error) {
	now := e.timestamp()
	l := domain.Lead{
		ID:         newID(in.ID),
		Name:       strings.TrimSpace(in.Name),
		Email:      strings.TrimSpace(in.Email),
		Company:    strings.TrimSpace(in.Company),
		Source:     strings.TrimSpace(in.Source),
		Status:     strings.TrimSpace(in.Status),
		AssigneeID: optionalString(in.AssigneeID),
		Tags:       normalizeTags(in.Tags),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if l.Status == "" {
		l.Status = domain.LeadNew
	}
	if err := domain.ValidateStruct("", l).Err(); err != nil {
		return domain.Lead{}, nil, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Lead{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
		return domain.Lead{}, nil, err
	}
	evt := domain.DomainEvent{
		Type:     domain.TriggerLeadCreated,
		EntityID: l.ID,
		Payload: map[string]any{
			"lead_id": l.ID,
			"name":    l.Name,
			"email":   l.Email,
			"company": l.Company,
			"source":  l.Source,
			"status":  l.Status,
		},
	}
	if _, err := e.events().AppendDomain(ctx, tx, &evt, e.actor()); err != nil {
		return domain.Lead{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, nil, err
	}
	return l, e.dispatch(ctx, evt), nil
}

func (e Engine) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return e.Repo.GetLead(ctx, nil, id)
}

func (e Engine) ListLeads(ctx context.Context, f repo.LeadFilters, opts repo.ListOptions) ([]domain.Lead, error) {
	return e.Repo.ListLeads(ctx, nil, f, opts)
}

func (e Engine) UpdateLead(ctx context.Context, id string, patch LeadPatch) (domain.Lead, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLead(ctx, tx, id)
	if err != nil {
		return domain.Lead{}, err
	}
	if err := checkVersion(domain.KindLead, id, patch.IfVersion, l.Version); err != nil {
		return domain.Lead{}, err
	}
	payload := events.EventPayload{}
	setString(&l.Name, patch.Name, "name", payload)
	setString(&l.Email, patch.Email, "email", payload)
	setString(&l.Company, patch.Company, "company", payload)
	setString(&l.Source, patch.Source, "source", payload)
	setString(&l.Status, patch.Status, "status", payload)
	if patch.AssigneeID != nil {
		l.AssigneeID = optionalString(*patch.AssigneeID)
		payload["assignee_id"] = derefString(l.AssigneeID)
	}
	if patch.Tags != nil {
		l.Tags = normalizeTags(*patch.Tags)
		payload["tags"] = l.Tags
	}
	if err := domain.ValidateStruct("", l).Err(); err != nil {
		return domain.Lead{}, err
	}
	l.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return domain.Lead{}, err
	}
	l.Version++
	if _, err := e.events().Append(ctx, tx, "lead.update", domain.KindLead, id, "", e.actor(), payload); err != nil {
		return domain.Lead{}, err
	}
	return l, tx.Commit()
}

func (e Engine) DeleteLead(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteLead(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, "lead.delete", domain.KindLead, id, "", e.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ConvertLead opens an opportunity for a lead and marks the lead converted
// in the same transaction.
func (e Engine) ConvertLead(ctx context.Context, leadID string, in ConvertInput) (domain.Opportunity, []domain.WorkflowExecutionResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLead(ctx, tx, leadID)
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	if l.Status == domain.LeadConverted {
		return domain.Opportunity{}, nil, domain.Invalid("status", "lead %s is already converted", leadID)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = l.Name
	}
	o, evt, err := e.createOpportunityTx(ctx, tx, OpportunityInput{
		PipelineID: in.PipelineID,
		Name:       name,
		Value:      in.Value,
		Stage:      in.Stage,
		ContactID:  in.ContactID,
		LeadID:     l.ID,
		AssigneeID: derefString(l.AssigneeID),
		Tags:       l.Tags,
	}, 0, e.actor())
	if err != nil {
		return domain.Opportunity{}, nil, err
	}
	l.Status = domain.LeadConverted
	l.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return domain.Opportunity{}, nil, err
	}
	if _, err := e.events().Append(ctx, tx, "lead.convert", domain.KindLead, l.ID, o.PipelineID, e.actor(), events.EventPayload{"opportunity_id": o.ID}); err != nil {
		return domain.Opportunity{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, nil, err
	}
	return o, e.dispatch(ctx, evt), nil
}

func setString(dst *string, v *string, field string, payload events.EventPayload) {
	if v == nil {
		return
	}
	*dst = strings.TrimSpace(*v)
	payload[field] = *dst
}
