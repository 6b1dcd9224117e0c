package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SetField writes one updatable field on rec, a pointer to an Opportunity,
// Contact, Lead or Task, converting v to the field's type.
func SetField(rec any, field string, v any) error {
	var err error
	switch r := rec.(type) {
	case *Opportunity:
		switch field {
		case "name":
			r.Name, err = FieldString(v)
		case "value":
			r.Value, err = fieldFloat(v)
		case "probability":
			r.Probability, err = fieldInt(v)
		case "status":
			r.Status, err = FieldString(v)
		case "expected_close_date":
			r.ExpectedCloseDate, err = fieldOptional(v)
		case "assignee_id":
			r.AssigneeID, err = fieldOptional(v)
		default:
			err = fmt.Errorf("field %s is not updatable on opportunity", field)
		}
	case *Contact:
		switch field {
		case "name":
			r.Name, err = FieldString(v)
		case "email":
			r.Email, err = FieldString(v)
		case "phone":
			r.Phone, err = FieldString(v)
		case "company":
			r.Company, err = FieldString(v)
		case "assignee_id":
			r.AssigneeID, err = fieldOptional(v)
		default:
			err = fmt.Errorf("field %s is not updatable on contact", field)
		}
	case *Lead:
		switch field {
		case "name":
			r.Name, err = FieldString(v)
		case "email":
			r.Email, err = FieldString(v)
		case "company":
			r.Company, err = FieldString(v)
		case "source":
			r.Source, err = FieldString(v)
		case "status":
			r.Status, err = FieldString(v)
		case "assignee_id":
			r.AssigneeID, err = fieldOptional(v)
		default:
			err = fmt.Errorf("field %s is not updatable on lead", field)
		}
	case *Task:
		switch field {
		case "title":
			r.Title, err = FieldString(v)
		case "description":
			r.Description, err = FieldString(v)
		case "status":
			r.Status, err = FieldString(v)
			if r.Status == TaskOpen {
				r.CompletedAt = nil
			}
		case "due_date":
			r.DueDate, err = fieldOptional(v)
		case "assignee_id":
			r.AssigneeID, err = fieldOptional(v)
		default:
			err = fmt.Errorf("field %s is not updatable on task", field)
		}
	default:
		err = fmt.Errorf("records of type %T have no updatable fields", rec)
	}
	return err
}

// CheckFieldValue reports whether v is acceptable for field on a record of
// kind: it must convert to the field's type and pass the field's validate
// tag. Opportunity stages are resolved against the pipeline at run time and
// are not checked here.
func CheckFieldValue(kind, field string, v any) error {
	var rec any
	switch kind {
	case KindOpportunity:
		if field == "stage" {
			return nil
		}
		rec = &Opportunity{}
	case KindContact:
		rec = &Contact{}
	case KindLead:
		rec = &Lead{}
	case KindTask:
		rec = &Task{}
	default:
		return fmt.Errorf("%s records have no updatable fields", kind)
	}
	if err := SetField(rec, field, v); err != nil {
		return err
	}
	for _, fe := range ValidateStruct("", rec) {
		if fe.Field == field {
			return fmt.Errorf("value %v fails %s", v, fe.Reason)
		}
	}
	return nil
}

// FieldString renders a scalar action value as a string.
func FieldString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	}
	return "", fmt.Errorf("value %v is not a scalar", v)
}

func fieldOptional(v any) (*string, error) {
	s, err := FieldString(v)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func fieldFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value %v is not a number", v)
}

func fieldInt(v any) (int, error) {
	f, err := fieldFloat(v)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("value %v is not an integer", v)
	}
	return int(f), nil
}
