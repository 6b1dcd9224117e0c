// Package analytics computes pipeline and automation metrics from snapshots.
// Every function here is pure; callers read the snapshot in one transaction.
package analytics

import (
	"sort"

	"crmflow/internal/domain"
)

// UnassignedStage collects opportunities whose stage key matches no stage.
const UnassignedStage = "unassigned"

type StageAggregate struct {
	StageKey      string  `json:"stage_key"`
	StageName     string  `json:"stage_name"`
	Order         int     `json:"order"`
	Probability   int     `json:"probability"`
	Count         int     `json:"count"`
	TotalValue    float64 `json:"total_value"`
	WeightedValue float64 `json:"weighted_value"`
}

type PipelineAggregate struct {
	PipelineID    string           `json:"pipeline_id"`
	PipelineName  string           `json:"pipeline_name"`
	Stages        []StageAggregate `json:"stages"`
	Unassigned    *StageAggregate  `json:"unassigned,omitempty"`
	TotalCount    int              `json:"total_count"`
	TotalValue    float64          `json:"total_value"`
	WeightedValue float64          `json:"weighted_value"`
}

// Aggregate buckets a pipeline's opportunities by stage. Weighted value uses
// the stage probability; unassigned opportunities fall back to their own.
func Aggregate(p domain.Pipeline, stages []domain.Stage, opps []domain.Opportunity) PipelineAggregate {
	out := PipelineAggregate{PipelineID: p.ID, PipelineName: p.Name, Stages: make([]StageAggregate, 0, len(stages))}
	index := make(map[string]int, len(stages))
	for i, st := range stages {
		index[st.Key] = i
		out.Stages = append(out.Stages, StageAggregate{
			StageKey:    st.Key,
			StageName:   st.Name,
			Order:       st.Order,
			Probability: st.Probability,
		})
	}
	for _, o := range opps {
		if o.PipelineID != p.ID {
			continue
		}
		var bucket *StageAggregate
		prob := o.Probability
		if i, ok := index[o.Stage]; ok {
			bucket = &out.Stages[i]
			prob = bucket.Probability
		} else {
			if out.Unassigned == nil {
				out.Unassigned = &StageAggregate{StageKey: UnassignedStage, StageName: UnassignedStage}
			}
			bucket = out.Unassigned
		}
		weighted := weigh(o.Value, prob)
		bucket.Count++
		bucket.TotalValue += o.Value
		bucket.WeightedValue += weighted
		out.TotalCount++
		out.TotalValue += o.Value
		out.WeightedValue += weighted
	}
	return out
}

func weigh(value float64, probability int) float64 {
	return value * float64(probability) / 100
}

// WinRate is won / total over all opportunities, 0 when there are none.
func WinRate(opps []domain.Opportunity) float64 {
	if len(opps) == 0 {
		return 0
	}
	won := 0
	for _, o := range opps {
		if o.Status == domain.OpportunityWon {
			won++
		}
	}
	return float64(won) / float64(len(opps))
}

type StageBucket struct {
	StageName  string  `json:"stage_name"`
	Count      int     `json:"count"`
	TotalValue float64 `json:"total_value"`
}

// StageDistribution groups opportunities by the name of the stage they sit in,
// across pipelines. Buckets follow pipeline order then stage order.
func StageDistribution(pipelines []domain.Pipeline, opps []domain.Opportunity) []StageBucket {
	names := map[string]map[string]string{}
	var order []string
	seen := map[string]bool{}
	for _, p := range pipelines {
		keys := map[string]string{}
		for _, st := range p.Stages {
			keys[st.Key] = st.Name
			if !seen[st.Name] {
				seen[st.Name] = true
				order = append(order, st.Name)
			}
		}
		names[p.ID] = keys
	}
	buckets := map[string]*StageBucket{}
	for _, o := range opps {
		name, ok := names[o.PipelineID][o.Stage]
		if !ok {
			name = UnassignedStage
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
		}
		b := buckets[name]
		if b == nil {
			b = &StageBucket{StageName: name}
			buckets[name] = b
		}
		b.Count++
		b.TotalValue += o.Value
	}
	out := make([]StageBucket, 0, len(order))
	for _, name := range order {
		if b := buckets[name]; b != nil {
			out = append(out, *b)
			continue
		}
		out = append(out, StageBucket{StageName: name})
	}
	return out
}

// WorkflowLoad is the total number of actions across active workflows.
func WorkflowLoad(wfs []domain.Workflow) int {
	n := 0
	for _, w := range wfs {
		n += w.ActiveActionCount()
	}
	return n
}

// AutomationCounts counts active workflows per trigger type. Every trigger
// type is present, with zero when unused.
func AutomationCounts(wfs []domain.Workflow) map[domain.TriggerType]int {
	out := make(map[domain.TriggerType]int, len(domain.TriggerTypes))
	for _, t := range domain.TriggerTypes {
		out[t] = 0
	}
	for _, w := range wfs {
		if w.IsActive {
			out[w.TriggerType]++
		}
	}
	return out
}

type Snapshot struct {
	Pipelines     []domain.Pipeline
	Opportunities []domain.Opportunity
	Workflows     []domain.Workflow
	RunsByStatus  map[string]int
}

type Report struct {
	WinRate           float64                    `json:"win_rate"`
	Opportunities     int                        `json:"opportunities"`
	ByStatus          map[string]int             `json:"by_status"`
	StageDistribution []StageBucket              `json:"stage_distribution"`
	TotalValue        float64                    `json:"total_value"`
	WeightedValue     float64                    `json:"weighted_value"`
	WorkflowLoad      int                        `json:"workflow_load"`
	ActiveWorkflows   int                        `json:"active_workflows"`
	AutomationCounts  map[domain.TriggerType]int `json:"automation_counts"`
	RunsByStatus      map[string]int             `json:"runs_by_status"`
	Pipelines         []PipelineAggregate        `json:"pipelines"`
}

func Summarize(s Snapshot) Report {
	r := Report{
		WinRate:           WinRate(s.Opportunities),
		Opportunities:     len(s.Opportunities),
		ByStatus:          map[string]int{},
		StageDistribution: StageDistribution(s.Pipelines, s.Opportunities),
		WorkflowLoad:      WorkflowLoad(s.Workflows),
		AutomationCounts:  AutomationCounts(s.Workflows),
		RunsByStatus:      s.RunsByStatus,
	}
	if r.RunsByStatus == nil {
		r.RunsByStatus = map[string]int{}
	}
	for _, o := range s.Opportunities {
		r.ByStatus[o.Status]++
	}
	for _, n := range r.AutomationCounts {
		r.ActiveWorkflows += n
	}
	pipelines := append([]domain.Pipeline(nil), s.Pipelines...)
	sort.SliceStable(pipelines, func(i, j int) bool { return pipelines[i].Name < pipelines[j].Name })
	for _, p := range pipelines {
		agg := Aggregate(p, p.Stages, s.Opportunities)
		r.TotalValue += agg.TotalValue
		r.WeightedValue += agg.WeightedValue
		r.Pipelines = append(r.Pipelines, agg)
	}
	return r
}
