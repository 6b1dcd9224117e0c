package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crmflow/internal/analytics"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/repo"
	"crmflow/internal/telemetry"
)

const headerActor = "X-Actor"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Metrics  *telemetry.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"stage not found in pipeline"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"name\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func ok[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the CRM API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("CRM Flow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Metrics.Handler())
	registerHealth(group)
	registerPipelines(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerOpportunities(group, cfg.Engine)
	registerContacts(group, cfg.Engine)
	registerLeads(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var (
		nf  *domain.NotFoundError
		ve  *domain.ValidationError
		ves domain.ValidationErrors
		te  *domain.TransitionError
		se  *domain.StageNotEmptyError
		ce  *domain.ConflictError
	)
	switch {
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", msg, map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &ves):
		fields := make([]map[string]any, 0, len(ves))
		for _, v := range ves {
			fields = append(fields, map[string]any{"field": v.Field, "reason": v.Reason})
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, map[string]any{"errors": fields})
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, map[string]any{"field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"opportunity_id": te.OpportunityID, "target": te.Target, "reason": te.Reason})
	case errors.As(err, &se):
		return newAPIError(http.StatusConflict, "stage_not_empty", msg, map[string]any{"stage": se.StageKey, "opportunities": se.Opportunities})
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "version_conflict", msg, map[string]any{"expected": ce.Expected, "actual": ce.Actual})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorEngine returns e acting as the caller named in the X-Actor header.
func actorEngine(ctx context.Context, e engine.Engine) engine.Engine {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok && r != nil {
		if actor := strings.TrimSpace(r.Header.Get(headerActor)); actor != "" {
			e.Actor = actor
		}
	}
	return e
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CRM Flow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Set the X-Actor header to record who made a change.
    </p>
  </body>
</html>`, specURL)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

type listQuery struct {
	OrderBy string `query:"order_by"`
	Desc    bool   `query:"desc"`
	Limit   int    `query:"limit" default:"50"`
}

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := actorEngine(ctx, e).CreatePipeline(ctx, engine.PipelineInput{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Stages:      stageInputs(input.Body.Stages),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name   string `query:"name"`
		Active string `query:"active" enum:"true,false"`
		listQuery
	}) (*output[[]domain.Pipeline], error) {
		f := repo.PipelineFilters{Name: input.Name, Active: activeFilter(input.Active)}
		items, err := e.ListPipelines(ctx, f, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Pipeline{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get pipeline with its stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*output[domain.Pipeline], error) {
		p, err := e.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pipeline",
		Method:      http.MethodPatch,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Update pipeline",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string                `path:"pipeline_id"`
		Body       UpdatePipelineRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, err := actorEngine(ctx, e).UpdatePipeline(ctx, input.PipelineID, engine.PipelinePatch{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			IsActive:    input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-pipeline",
		Method:        http.MethodDelete,
		Path:          "/pipelines/{pipeline_id}",
		Summary:       "Delete an empty pipeline",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeletePipeline(ctx, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "aggregate-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/aggregate",
		Summary:     "Per-stage counts and values",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*output[analytics.PipelineAggregate], error) {
		agg, err := e.Aggregate(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(agg), nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-stage",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline_id}/stages",
		Summary:       "Add stage",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string       `path:"pipeline_id"`
		Body       StageRequest `json:"body"`
	}) (*output[domain.Stage], error) {
		in := stageInputs([]StageRequest{input.Body})[0]
		s, err := actorEngine(ctx, e).AddStage(ctx, input.PipelineID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/pipelines/{pipeline_id}/stages/{stage_id}",
		Summary:     "Update stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string             `path:"pipeline_id"`
		StageID    string             `path:"stage_id"`
		Body       UpdateStageRequest `json:"body"`
	}) (*output[domain.Stage], error) {
		s, err := actorEngine(ctx, e).UpdateStage(ctx, input.PipelineID, input.StageID, engine.StagePatch{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Probability: input.Body.Probability,
			Order:       input.Body.Order,
			IfVersion:   input.Body.IfVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-stages",
		Method:      http.MethodPut,
		Path:        "/pipelines/{pipeline_id}/stages/order",
		Summary:     "Reorder stages",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string               `path:"pipeline_id"`
		Body       ReorderStagesRequest `json:"body"`
	}) (*output[[]domain.Stage], error) {
		stages, err := actorEngine(ctx, e).ReorderStages(ctx, input.PipelineID, input.Body.StageIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(stages), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/pipelines/{pipeline_id}/stages/{stage_id}",
		Summary:     "Delete stage",
		Description: "Opportunities still in the stage are moved to reassign_to when the delete policy requires reassignment.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		StageID    string `path:"stage_id"`
		ReassignTo string `query:"reassign_to"`
	}) (*output[WorkflowsResult], error) {
		res, err := actorEngine(ctx, e).DeleteStage(ctx, input.PipelineID, input.StageID, input.ReassignTo)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(WorkflowsResult{Workflows: results(res)}), nil
	})
}

func registerOpportunities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-opportunity",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline_id}/opportunities",
		Summary:       "Create opportunity",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID string                   `path:"pipeline_id"`
		Body       CreateOpportunityRequest `json:"body"`
	}) (*output[OpportunityResult], error) {
		b := input.Body
		o, res, err := actorEngine(ctx, e).CreateOpportunity(ctx, engine.OpportunityInput{
			ID:                b.ID,
			PipelineID:        input.PipelineID,
			Name:              b.Name,
			Value:             b.Value,
			Probability:       b.Probability,
			Stage:             b.Stage,
			Status:            b.Status,
			ExpectedCloseDate: b.ExpectedCloseDate,
			ContactID:         b.ContactID,
			LeadID:            b.LeadID,
			AssigneeID:        b.AssigneeID,
			Tags:              b.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(OpportunityResult{Opportunity: o, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-opportunities",
		Method:      http.MethodGet,
		Path:        "/opportunities",
		Summary:     "List opportunities",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PipelineID string `query:"pipeline_id"`
		Stage      string `query:"stage"`
		Status     string `query:"status" enum:"open,won,lost"`
		AssigneeID string `query:"assignee_id"`
		ContactID  string `query:"contact_id"`
		listQuery
	}) (*output[[]domain.Opportunity], error) {
		items, err := e.ListOpportunities(ctx, repo.OpportunityFilters{
			PipelineID: input.PipelineID,
			Stage:      input.Stage,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			ContactID:  input.ContactID,
		}, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Opportunity{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-opportunity",
		Method:      http.MethodGet,
		Path:        "/opportunities/{opportunity_id}",
		Summary:     "Get opportunity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OpportunityID string `path:"opportunity_id"`
	}) (*output[domain.Opportunity], error) {
		o, err := e.GetOpportunity(ctx, input.OpportunityID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-opportunity",
		Method:      http.MethodPatch,
		Path:        "/opportunities/{opportunity_id}",
		Summary:     "Update opportunity",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OpportunityID string                   `path:"opportunity_id"`
		Body          UpdateOpportunityRequest `json:"body"`
	}) (*output[OpportunityResult], error) {
		b := input.Body
		o, res, err := actorEngine(ctx, e).UpdateOpportunity(ctx, input.OpportunityID, engine.OpportunityPatch{
			Name:              b.Name,
			Value:             b.Value,
			Probability:       b.Probability,
			Stage:             b.Stage,
			Status:            b.Status,
			ExpectedCloseDate: b.ExpectedCloseDate,
			ContactID:         b.ContactID,
			AssigneeID:        b.AssigneeID,
			Tags:              b.Tags,
			IfVersion:         b.IfVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(OpportunityResult{Opportunity: o, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-opportunity",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline_id}/opportunities/{opportunity_id}/move",
		Summary:     "Move opportunity to another stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PipelineID    string                 `path:"pipeline_id"`
		OpportunityID string                 `path:"opportunity_id"`
		Body          MoveOpportunityRequest `json:"body"`
	}) (*output[OpportunityResult], error) {
		o, res, err := actorEngine(ctx, e).MoveOpportunity(ctx, input.PipelineID, input.OpportunityID, input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(OpportunityResult{Opportunity: o, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-opportunity",
		Method:        http.MethodDelete,
		Path:          "/opportunities/{opportunity_id}",
		Summary:       "Delete opportunity",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OpportunityID string `path:"opportunity_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeleteOpportunity(ctx, input.OpportunityID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerContacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contact",
		Method:        http.MethodPost,
		Path:          "/contacts",
		Summary:       "Create contact",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateContactRequest `json:"body"`
	}) (*output[ContactResult], error) {
		b := input.Body
		c, res, err := actorEngine(ctx, e).CreateContact(ctx, engine.ContactInput{
			ID:         b.ID,
			Name:       b.Name,
			Email:      b.Email,
			Phone:      b.Phone,
			Company:    b.Company,
			AssigneeID: b.AssigneeID,
			Tags:       b.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ContactResult{Contact: c, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contacts",
		Method:      http.MethodGet,
		Path:        "/contacts",
		Summary:     "List contacts",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Company    string `query:"company"`
		Email      string `query:"email"`
		AssigneeID string `query:"assignee_id"`
		listQuery
	}) (*output[[]domain.Contact], error) {
		items, err := e.ListContacts(ctx, repo.ContactFilters{
			Company:    input.Company,
			Email:      input.Email,
			AssigneeID: input.AssigneeID,
		}, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Contact{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contact",
		Method:      http.MethodGet,
		Path:        "/contacts/{contact_id}",
		Summary:     "Get contact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContactID string `path:"contact_id"`
	}) (*output[domain.Contact], error) {
		c, err := e.GetContact(ctx, input.ContactID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-contact",
		Method:      http.MethodPatch,
		Path:        "/contacts/{contact_id}",
		Summary:     "Update contact",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ContactID string               `path:"contact_id"`
		Body      UpdateContactRequest `json:"body"`
	}) (*output[domain.Contact], error) {
		b := input.Body
		c, err := actorEngine(ctx, e).UpdateContact(ctx, input.ContactID, engine.ContactPatch{
			Name:       b.Name,
			Email:      b.Email,
			Phone:      b.Phone,
			Company:    b.Company,
			AssigneeID: b.AssigneeID,
			Tags:       b.Tags,
			IfVersion:  b.IfVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-contact",
		Method:        http.MethodDelete,
		Path:          "/contacts/{contact_id}",
		Summary:       "Delete contact",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ContactID string `path:"contact_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeleteContact(ctx, input.ContactID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*output[LeadResult], error) {
		b := input.Body
		l, res, err := actorEngine(ctx, e).CreateLead(ctx, engine.LeadInput{
			ID:         b.ID,
			Name:       b.Name,
			Email:      b.Email,
			Company:    b.Company,
			Source:     b.Source,
			Status:     b.Status,
			AssigneeID: b.AssigneeID,
			Tags:       b.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(LeadResult{Lead: l, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"new,qualified,converted,lost"`
		Source     string `query:"source"`
		AssigneeID string `query:"assignee_id"`
		listQuery
	}) (*output[[]domain.Lead], error) {
		items, err := e.ListLeads(ctx, repo.LeadFilters{
			Status:     input.Status,
			Source:     input.Source,
			AssigneeID: input.AssigneeID,
		}, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Lead{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*output[domain.Lead], error) {
		l, err := e.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPatch,
		Path:        "/leads/{lead_id}",
		Summary:     "Update lead",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		LeadID string            `path:"lead_id"`
		Body   UpdateLeadRequest `json:"body"`
	}) (*output[domain.Lead], error) {
		b := input.Body
		l, err := actorEngine(ctx, e).UpdateLead(ctx, input.LeadID, engine.LeadPatch{
			Name:       b.Name,
			Email:      b.Email,
			Company:    b.Company,
			Source:     b.Source,
			Status:     b.Status,
			AssigneeID: b.AssigneeID,
			Tags:       b.Tags,
			IfVersion:  b.IfVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "convert-lead",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/convert",
		Summary:     "Convert lead into an opportunity",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		LeadID string             `path:"lead_id"`
		Body   ConvertLeadRequest `json:"body"`
	}) (*output[OpportunityResult], error) {
		b := input.Body
		o, res, err := actorEngine(ctx, e).ConvertLead(ctx, input.LeadID, engine.ConvertInput{
			PipelineID: b.PipelineID,
			Name:       b.Name,
			Value:      b.Value,
			Stage:      b.Stage,
			ContactID:  b.ContactID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(OpportunityResult{Opportunity: o, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lead",
		Method:        http.MethodDelete,
		Path:          "/leads/{lead_id}",
		Summary:       "Delete lead",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeleteLead(ctx, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		b := input.Body
		t, err := actorEngine(ctx, e).CreateTask(ctx, engine.TaskInput{
			ID:          b.ID,
			Title:       b.Title,
			Description: b.Description,
			DueDate:     b.DueDate,
			AssigneeID:  b.AssigneeID,
			EntityKind:  b.EntityKind,
			EntityID:    b.EntityID,
			Tags:        b.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"open,completed"`
		AssigneeID string `query:"assignee_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		listQuery
	}) (*output[[]domain.Task], error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		b := input.Body
		t, err := actorEngine(ctx, e).UpdateTask(ctx, input.TaskID, engine.TaskPatch{
			Title:       b.Title,
			Description: b.Description,
			DueDate:     b.DueDate,
			AssigneeID:  b.AssigneeID,
			Tags:        b.Tags,
			IfVersion:   b.IfVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[TaskResult], error) {
		t, res, err := actorEngine(ctx, e).CompleteTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(TaskResult{Task: t, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Register workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*output[WorkflowResponse], error) {
		b := input.Body
		actions, err := decodeActions(b.Actions)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := actorEngine(ctx, e).AddWorkflow(ctx, engine.WorkflowInput{
			ID:                b.ID,
			Name:              b.Name,
			Description:       b.Description,
			TriggerType:       domain.TriggerType(b.TriggerType),
			TriggerConditions: b.TriggerConditions,
			Actions:           actions,
			IsActive:          b.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(workflowResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-workflows",
		Method:        http.MethodPost,
		Path:          "/workflows/import",
		Summary:       "Import workflows from YAML or JSON",
		Description:   "Accepts a single workflow, a list, or a document with a workflows key. Nothing is saved unless every workflow is valid.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[[]WorkflowResponse], error) {
		data := bodyBytes(ctx)
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ws, err := actorEngine(ctx, e).ImportWorkflows(ctx, data)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(mapWorkflows(ws)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-schema",
		Method:      http.MethodGet,
		Path:        "/workflows/schema",
		Summary:     "JSON schema accepted by workflow import",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]any], error) {
		var schema map[string]any
		if err := json.Unmarshal(engine.WorkflowSchema(), &schema); err != nil {
			return nil, handleError(err)
		}
		return ok(schema), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TriggerType string `query:"trigger_type" enum:"contact_created,lead_created,opportunity_created,task_completed,stage_changed"`
		Active      string `query:"active" enum:"true,false"`
		listQuery
	}) (*output[[]WorkflowResponse], error) {
		items, err := e.ListWorkflows(ctx, repo.WorkflowFilters{TriggerType: domain.TriggerType(input.TriggerType), Active: activeFilter(input.Active)}, listOptions(input.listQuery))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(mapWorkflows(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*output[WorkflowResponse], error) {
		w, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(workflowResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow",
		Method:      http.MethodPatch,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Update workflow",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkflowID string                `path:"workflow_id"`
		Body       UpdateWorkflowRequest `json:"body"`
	}) (*output[WorkflowResponse], error) {
		b := input.Body
		patch := engine.WorkflowPatch{
			Name:              b.Name,
			Description:       b.Description,
			TriggerConditions: b.TriggerConditions,
			IsActive:          b.IsActive,
		}
		if b.TriggerType != nil {
			tt := domain.TriggerType(*b.TriggerType)
			patch.TriggerType = &tt
		}
		if b.Actions != nil {
			actions, err := decodeActions(*b.Actions)
			if err != nil {
				return nil, handleError(err)
			}
			patch.Actions = &actions
		}
		w, err := actorEngine(ctx, e).UpdateWorkflow(ctx, input.WorkflowID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(workflowResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/toggle",
		Summary:     "Flip a workflow between active and inactive",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*output[WorkflowResponse], error) {
		w, err := actorEngine(ctx, e).ToggleActive(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(workflowResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-workflow",
		Method:        http.MethodDelete,
		Path:          "/workflows/{workflow_id}",
		Summary:       "Delete workflow",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct{}, error) {
		if err := actorEngine(ctx, e).DeleteWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pipeline,stage,opportunity,contact,lead,task,workflow"`
		EntityID   string `query:"entity_id"`
		PipelineID string `query:"pipeline_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			PipelineID: input.PipelineID,
		}, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return ok(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/replay",
		Summary:     "Dispatch a logged domain event again",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		EventID int64 `path:"event_id"`
	}) (*output[ReplayResult], error) {
		evt, res, err := actorEngine(ctx, e).ReplayEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ReplayResult{Event: evt, Workflows: results(res)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-runs",
		Method:      http.MethodGet,
		Path:        "/workflow-runs",
		Summary:     "List recorded workflow executions",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		EventID    string `query:"event_id"`
		Status     string `query:"status" enum:"success,partial_failure,skipped"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]domain.WorkflowRun], error) {
		runs, err := e.ListWorkflowRuns(ctx, repo.RunFilters{
			WorkflowID: input.WorkflowID,
			EventID:    input.EventID,
			Status:     input.Status,
		}, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.WorkflowRun{}
		}
		return ok(runs), nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics",
		Method:      http.MethodGet,
		Path:        "/analytics",
		Summary:     "Pipeline and automation summary",
	}, func(ctx context.Context, _ *struct{}) (*output[analytics.Report], error) {
		r, err := e.Analytics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(r), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func listOptions(q listQuery) repo.ListOptions {
	return repo.ListOptions{OrderBy: q.OrderBy, Desc: q.Desc, Limit: normalizeLimit(q.Limit)}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func activeFilter(s string) *bool {
	if s == "" {
		return nil
	}
	v := s == "true"
	return &v
}

func indexedField(name string, i int) string {
	return fmt.Sprintf("%s[%d]", name, i)
}
