package rules

import (
	"fmt"
	"strings"

	"crmflow/internal/domain"
)

// Normalize fills defaults a saved workflow should carry.
func Normalize(w domain.Workflow) domain.Workflow {
	w.Name = strings.TrimSpace(w.Name)
	if w.TriggerConditions == nil {
		w.TriggerConditions = map[string]any{}
	}
	if w.Actions == nil {
		w.Actions = []domain.Action{}
	}
	for i, a := range w.Actions {
		if cfg, ok := a.Config.(domain.SendNotificationConfig); ok && cfg.Channel == "" {
			cfg.Channel = domain.DefaultNotificationChannel
			w.Actions[i].Config = cfg
		}
	}
	return w
}

// Validate checks a workflow definition before it is saved.
func Validate(w domain.Workflow) error {
	errs := domain.ValidateStruct("", w)
	if !w.TriggerType.Valid() && len(errs) == 0 {
		errs = append(errs, &domain.ValidationError{Field: "trigger_type", Reason: fmt.Sprintf("unknown trigger type %q", w.TriggerType)})
	}
	for key := range w.TriggerConditions {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, &domain.ValidationError{Field: "trigger_conditions", Reason: "condition keys must not be empty"})
		}
	}
	kind := w.TriggerType.EntityKind()
	for i, a := range w.Actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if a.Config == nil {
			errs = append(errs, &domain.ValidationError{Field: prefix + ".config", Reason: "required"})
			continue
		}
		if a.Config.ActionType() != a.Type {
			errs = append(errs, &domain.ValidationError{Field: prefix + ".type", Reason: fmt.Sprintf("%s does not match config of %s", a.Type, a.Config.ActionType())})
			continue
		}
		errs = append(errs, domain.ValidateStruct(prefix+".config.", a.Config)...)
		errs = append(errs, checkAction(prefix, kind, a.Config)...)
	}
	return errs.Err()
}

func checkAction(prefix, kind string, cfg domain.ActionConfig) domain.ValidationErrors {
	var errs domain.ValidationErrors
	switch c := cfg.(type) {
	case domain.SendEmailConfig:
		if c.To != "" && !HasReference(c.To) && !domain.IsEmail(c.To) {
			errs = append(errs, &domain.ValidationError{Field: prefix + ".config.to", Reason: "must be an email address or a {{field}} reference"})
		}
	case domain.UpdateFieldConfig:
		if kind != "" && c.Field != "" && !domain.IsUpdatableField(kind, c.Field) {
			errs = append(errs, &domain.ValidationError{Field: prefix + ".config.field", Reason: fmt.Sprintf("%s is not updatable on %s; allowed: %s", c.Field, kind, strings.Join(domain.UpdatableFields(kind), ", "))})
		}
		switch c.Value.(type) {
		case nil, string, bool, float64, int, int64:
			if kind != "" && domain.IsUpdatableField(kind, c.Field) {
				if err := domain.CheckFieldValue(kind, c.Field, c.Value); err != nil {
					errs = append(errs, &domain.ValidationError{Field: prefix + ".config.value", Reason: err.Error()})
				}
			}
		default:
			errs = append(errs, &domain.ValidationError{Field: prefix + ".config.value", Reason: "must be a scalar"})
		}
	}
	return errs
}
