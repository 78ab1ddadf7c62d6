package analysis

import "github.com/target/mmk-fanout/internal/domain/model"

// Phase percentages reported for each job status.
const (
	PhasePending      = 0
	PhaseInProgress   = 10
	PhaseCollected    = 50
	PhaseInterpreting = 60
	PhaseMerging      = 90
	PhaseCompleted    = 100
)

var phaseByStatus = map[model.JobStatus]int{
	model.JobStatusPending:      PhasePending,
	model.JobStatusInProgress:   PhaseInProgress,
	model.JobStatusCollected:    PhaseCollected,
	model.JobStatusInterpreting: PhaseInterpreting,
	model.JobStatusMerging:      PhaseMerging,
	model.JobStatusCompleted:    PhaseCompleted,
}

// Project computes the progress of a job from its status and counters.
func Project(job *model.Job) model.Progress {
	if job == nil {
		return model.Progress{}
	}
	p := model.Progress{PhasePercent: phasePercent(job)}
	if job.TotalShards > 0 {
		total := float64(job.TotalShards)
		p.CollectionFraction = clampFraction(float64(job.CompletedCollections) / total)
		p.InterpretationFraction = clampFraction(float64(job.CompletedInterpretations) / total)
	}
	return p
}

// phasePercent maps a failed job to the phase it failed from, so failing never lowers
// the reported percentage. Jobs without FailedFrom fall back to what their counters prove.
func phasePercent(job *model.Job) int {
	if job.Status != model.JobStatusFailed {
		return phaseByStatus[job.Status]
	}
	if phase, ok := phaseByStatus[job.FailedFrom]; ok {
		return phase
	}
	switch {
	case job.TotalShards == 0:
		return PhasePending
	case job.CompletedInterpretations >= job.TotalShards:
		return PhaseMerging
	case job.CompletedCollections >= job.TotalShards:
		return PhaseInterpreting
	case job.CompletedCollections > 0:
		return PhaseInProgress
	default:
		return PhasePending
	}
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
