package workflow

// StepMetrics carries per-step metrics. ParallelSteps is set for Parallel.
type StepMetrics struct {
	StepName      string                  `json:"step_name"`
	ExecutorType  string                  `json:"executor_type"`
	ExecutorName  string                  `json:"executor_name,omitempty"`
	Metrics       map[string]any          `json:"metrics,omitempty"`
	ParallelSteps map[string]*StepMetrics `json:"parallel_steps,omitempty"`
}

// WorkflowMetrics is the run-level aggregation of step metrics.
type WorkflowMetrics struct {
	TotalSteps int                     `json:"total_steps"`
	Steps      map[string]*StepMetrics `json:"steps"`
}

// aggregateMetrics counts every output (flattening list results) and indexes
// step metrics by step name.
func aggregateMetrics(results []StepResult) *WorkflowMetrics {
	wm := &WorkflowMetrics{Steps: make(map[string]*StepMetrics)}
	for _, res := range results {
		for _, out := range res.Outputs {
			if out == nil {
				continue
			}
			wm.TotalSteps++
			if out.Metrics != nil && out.StepName != "" {
				wm.Steps[out.StepName] = out.Metrics
			}
		}
	}
	return wm
}
