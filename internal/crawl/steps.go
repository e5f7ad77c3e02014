package crawl

// StepCount is the number of coarse crawl steps.
const StepCount = 4

// StepState is the display status of a single step.
type StepState string

// Step states. Rank orders them waiting < running < completed.
const (
	StepWaiting   StepState = "waiting"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
)

// Rank returns the ordinal of the state for monotonicity checks.
func (s StepState) Rank() int {
	switch s {
	case StepRunning:
		return 1
	case StepCompleted:
		return 2
	default:
		return 0
	}
}

// StepDefinition describes one of the fixed crawl steps.
type StepDefinition struct {
	Number   int
	Key      string
	Name     string
	Weight   int
	SubSteps []string
}

// SubStepName returns the label for sub-step n (1-based) or "".
func (d StepDefinition) SubStepName(n int) string {
	if n < 1 || n > len(d.SubSteps) {
		return ""
	}
	return d.SubSteps[n-1]
}

// Steps holds the four crawl steps in execution order. Weights sum to 100.
var Steps = [StepCount]StepDefinition{
	{
		Number: 1,
		Key:    "category_product_collection",
		Name:   "카테고리 및 제품 수집",
		Weight: 25,
		SubSteps: []string{
			"카테고리 목록 수집",
			"부모상품 수집",
			"상세 정보 크롤링 (자식상품)",
			"iframe 스펙 크롤링",
		},
	},
	{Number: 2, Key: "ai_data_processing", Name: "AI 데이터 처리", Weight: 25},
	{Number: 3, Key: "catalog_generation", Name: "카탈로그 번호 생성", Weight: 25},
	{Number: 4, Key: "database_setup", Name: "데이터베이스 저장", Weight: 25},
}

// Step returns the definition for step n and whether it exists.
func Step(n int) (StepDefinition, bool) {
	if n < 1 || n > StepCount {
		return StepDefinition{}, false
	}
	return Steps[n-1], true
}

// StepName returns the display name for step n.
func StepName(n int) string {
	def, ok := Step(n)
	if !ok {
		return ""
	}
	return def.Name
}

// ClampStep forces n into 1..StepCount.
func ClampStep(n int) int {
	if n < 1 {
		return 1
	}
	if n > StepCount {
		return StepCount
	}
	return n
}

// ClampProgress forces p into 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StateForProgress maps a percentage to the step state it implies.
func StateForProgress(p int) StepState {
	switch {
	case p >= 100:
		return StepCompleted
	case p > 0:
		return StepRunning
	default:
		return StepWaiting
	}
}

// OverallProgress computes the weighted completion across all steps.
func OverallProgress(progress map[int]int) int {
	total := 0
	for _, def := range Steps {
		total += def.Weight * ClampProgress(progress[def.Number])
	}
	return ClampProgress(total / 100)
}
