package engine

import (
	"context"
	"database/sql"

	"crmflow/internal/analytics"
	"crmflow/internal/repo"
)

// Analytics summarizes pipelines, opportunities and workflows read in one
// transaction.
func (e Engine) Analytics(ctx context.Context) (analytics.Report, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return analytics.Report{}, err
	}
	defer tx.Rollback()

	pipelines, err := e.Repo.ListPipelines(ctx, tx, repo.PipelineFilters{}, repo.ListOptions{OrderBy: "created_at"})
	if err != nil {
		return analytics.Report{}, err
	}
	for i := range pipelines {
		if pipelines[i].Stages, err = e.Repo.ListStages(ctx, tx, pipelines[i].ID); err != nil {
			return analytics.Report{}, err
		}
	}
	opps, err := e.Repo.ListOpportunities(ctx, tx, repo.OpportunityFilters{}, repo.ListOptions{})
	if err != nil {
		return analytics.Report{}, err
	}
	workflows, err := e.Repo.ListWorkflows(ctx, tx, repo.WorkflowFilters{}, repo.ListOptions{})
	if err != nil {
		return analytics.Report{}, err
	}
	runs, err := e.Repo.CountRunsByStatus(ctx, tx)
	if err != nil {
		return analytics.Report{}, err
	}
	return analytics.Summarize(analytics.Snapshot{
		Pipelines:     pipelines,
		Opportunities: opps,
		Workflows:     workflows,
		RunsByStatus:  runs,
	}), nil
}
