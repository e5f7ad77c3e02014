package reconcile

import (
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// BuildStepsData projects persisted rows onto the four step views and
// resolves the single authoritative running step. It returns the views and
// the current step number (0 when nothing is running).
//
// The first step that is running below 100% wins; later running steps are
// reported as waiting. When no row qualifies and the crawler reports itself
// active, the step after the last completed one is shown as running.
func (c *Classifier) BuildStepsData(rows []crawl.StepProgress, liveActive bool) ([]crawl.StepView, int) {
	views := crawl.InitialSteps()
	var persistedSubStep *int
	for _, row := range rows {
		if row.StepNumber < 1 || row.StepNumber > crawl.StepCount {
			continue
		}
		view := &views[row.StepNumber-1]
		view.Progress = crawl.ClampProgress(row.CurrentProgress)
		view.Status = crawl.StateForProgress(view.Progress)
		view.Message = row.Message
		view.StartedAt = row.StartedAt
		view.CompletedAt = row.CompletedAt
		if row.StepNumber == 1 {
			persistedSubStep = row.SubStep()
		}
	}

	current := 0
	for i := range views {
		if views[i].Status != crawl.StepRunning || views[i].Progress >= 100 {
			continue
		}
		if current == 0 {
			current = views[i].Number
			continue
		}
		views[i].Status = crawl.StepWaiting
	}

	if current == 0 && liveActive {
		lastCompleted := 0
		for _, view := range views {
			if view.Status == crawl.StepCompleted {
				lastCompleted = view.Number
			}
		}
		current = min(lastCompleted+1, crawl.StepCount)
		views[current-1].Status = crawl.StepRunning
	}

	if current == 1 {
		first := &views[0]
		first.SubStep = persistedSubStep
		if first.SubStep == nil {
			n := c.DetectSubStep(first.Message, first.Progress)
			first.SubStep = &n
		}
		first.SubStepName = crawl.Steps[0].SubStepName(*first.SubStep)
	}
	return views, current
}

// overallFromViews computes the weighted completion of the views.
func overallFromViews(views []crawl.StepView) int {
	progress := make(map[int]int, len(views))
	for _, view := range views {
		progress[view.Number] = view.Progress
	}
	return crawl.OverallProgress(progress)
}
