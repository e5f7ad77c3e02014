package reconcile

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// Denominators scale an item count embedded in a step 1 message into
// percentage points within its phase band. The defaults match the dataset
// sizes the crawler historically reports (about 100 categories, 2000 parent
// products, 18000 child products).
type Denominators struct {
	Category float64 `mapstructure:"category"`
	Parent   float64 `mapstructure:"parent"`
	Child    float64 `mapstructure:"child"`
	Detail   float64 `mapstructure:"detail"`
	Generic  float64 `mapstructure:"generic"`
}

// DefaultDenominators returns the stock scale factors.
func DefaultDenominators() Denominators {
	return Denominators{
		Category: 4,
		Parent:   80,
		Child:    720,
		Detail:   720,
		Generic:  200,
	}
}

func (d Denominators) withDefaults() Denominators {
	def := DefaultDenominators()
	if d.Category <= 0 {
		d.Category = def.Category
	}
	if d.Parent <= 0 {
		d.Parent = def.Parent
	}
	if d.Child <= 0 {
		d.Child = def.Child
	}
	if d.Detail <= 0 {
		d.Detail = def.Detail
	}
	if d.Generic <= 0 {
		d.Generic = def.Generic
	}
	return d
}

// StepRule maps a message pattern to a step number.
type StepRule struct {
	Step    int
	Pattern *regexp.Regexp
}

// PhaseRule maps a step 1 message pattern to a sub-step and its percentage
// band. Start is used when the message carries no item count; otherwise the
// count divided by Divisor is added to Base, capped at the band width.
type PhaseRule struct {
	SubStep int
	Name    string
	Pattern *regexp.Regexp
	Base    int
	Start   int
	Divisor float64
}

const bandWidth = 25

// DefaultStepRules lists step rules most specific first.
func DefaultStepRules() []StepRule {
	return []StepRule{
		{Step: 4, Pattern: regexp.MustCompile(`Step 4|데이터베이스|SQLite|DB 구축`)},
		{Step: 3, Pattern: regexp.MustCompile(`Step 3|카탈로그`)},
		{Step: 2, Pattern: regexp.MustCompile(`Step 2|\bAI\b`)},
		{Step: 1, Pattern: regexp.MustCompile(`Step 0-1|Step 1|카테고리|부모상품|자식상품|PHASE`)},
	}
}

// DefaultPhaseRules lists the four step 1 phases in order.
func DefaultPhaseRules(d Denominators) []PhaseRule {
	d = d.withDefaults()
	return []PhaseRule{
		{SubStep: 1, Name: "category", Pattern: regexp.MustCompile(`(?i)카테고리|category|분류|=== 1단계`), Base: 0, Start: 5, Divisor: d.Category},
		{SubStep: 2, Name: "parent", Pattern: regexp.MustCompile(`(?i)부모|parent|상위.*제품|=== 2단계`), Base: 25, Start: 30, Divisor: d.Parent},
		{SubStep: 3, Name: "child", Pattern: regexp.MustCompile(`(?i)자식|child|하위.*제품|PHASE 1|기본.*크롤링|=== 3단계`), Base: 50, Start: 55, Divisor: d.Child},
		{SubStep: 4, Name: "detail", Pattern: regexp.MustCompile(`(?i)iframe|스펙|spec|PHASE 2|=== 4단계`), Base: 75, Start: 80, Divisor: d.Detail},
	}
}

var (
	itemCountPattern  = regexp.MustCompile(`\((\d+)`)
	separatorPattern  = regexp.MustCompile(`^(=+|-+)$`)
	completionPattern = regexp.MustCompile(`(?i)(?:^|[^미])완료|\bsuccess(?:ful|fully)?\b|\bcompleted?\b`)
)

// Classifier derives step, progress and sub-step from crawler signals using
// ordered rule lists. The zero value is not usable; call NewClassifier.
type Classifier struct {
	StepRules       []StepRule
	PhaseRules      []PhaseRule
	Denominators    Denominators
	CompletionWords *regexp.Regexp
}

// NewClassifier builds a Classifier with the default rules and the given
// denominators (zero fields fall back to defaults).
func NewClassifier(d Denominators) *Classifier {
	d = d.withDefaults()
	return &Classifier{
		StepRules:       DefaultStepRules(),
		PhaseRules:      DefaultPhaseRules(d),
		Denominators:    d,
		CompletionWords: completionPattern,
	}
}

// IsSeparator reports whether the message carries no step information: blank
// or a divider line.
func IsSeparator(message string) bool {
	trimmed := strings.TrimSpace(message)
	return trimmed == "" || separatorPattern.MatchString(trimmed)
}

// ClassifyStep matches the message against the step rules in order.
func (c *Classifier) ClassifyStep(message string) (int, bool) {
	for _, rule := range c.StepRules {
		if rule.Pattern.MatchString(message) {
			return rule.Step, true
		}
	}
	return 0, false
}

// ExtractStep resolves the step a payload refers to. An explicit step wins.
// Separator and blank messages keep the currently running step, which is
// looked up lazily through current (0 means none). Anything unclassifiable
// is step 1.
func (c *Classifier) ExtractStep(p Payload, current func() int) int {
	if p.Step != nil {
		return crawl.ClampStep(*p.Step)
	}
	if step, ok := c.ClassifyStep(p.Message); ok {
		return step
	}
	if IsSeparator(p.Message) && current != nil {
		if n := current(); n >= 1 && n <= crawl.StepCount {
			return n
		}
	}
	return 1
}

// ExtractProgress derives a 0..100 percentage for the payload on step.
// Priority: processed/total, explicit progress, step 1 phase bands, 0. A step
// 4 message with a completion keyword is forced to 100.
func (c *Classifier) ExtractProgress(p Payload, step int) int {
	progress := c.rawProgress(p, step)
	if step == crawl.StepCount && c.CompletionWords != nil && c.CompletionWords.MatchString(p.Message) {
		progress = 100
	}
	return crawl.ClampProgress(progress)
}

func (c *Classifier) rawProgress(p Payload, step int) int {
	if p.Processed != nil && p.Total != nil && *p.Total > 0 {
		return int(math.Round(float64(*p.Processed) / float64(*p.Total) * 100))
	}
	if p.Progress != nil {
		return *p.Progress
	}
	if step != 1 {
		return 0
	}
	count, hasCount := ItemCount(p.Message)
	if rule, ok := c.matchPhase(p.Message); ok {
		if !hasCount {
			return rule.Start
		}
		return rule.Base + min(scale(count, rule.Divisor), bandWidth)
	}
	if hasCount {
		return min(scale(count, c.Denominators.Generic), 100)
	}
	return 0
}

// DetectSubStep resolves the step 1 sub-step: an explicit 내부N단계 marker,
// then the phase vocabulary, then the progress quartile.
func (c *Classifier) DetectSubStep(message string, progress int) int {
	if n, ok := c.SubStepFromMessage(message); ok {
		return n
	}
	return SubStepFromProgress(progress)
}

// SubStepFromMessage tries the explicit marker and then the phase rules.
func (c *Classifier) SubStepFromMessage(message string) (int, bool) {
	if strings.TrimSpace(message) == "" {
		return 0, false
	}
	if n, ok := crawl.ParseSubStepMarker(message); ok {
		return n, true
	}
	if rule, ok := c.matchPhase(message); ok {
		return rule.SubStep, true
	}
	return 0, false
}

// SubStepFromProgress maps a step 1 percentage to its quartile sub-step.
func SubStepFromProgress(progress int) int {
	switch {
	case progress <= 25:
		return 1
	case progress <= 50:
		return 2
	case progress <= 75:
		return 3
	default:
		return 4
	}
}

// ItemCount returns the first parenthesized number in the message.
func ItemCount(message string) (int, bool) {
	m := itemCountPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Classifier) matchPhase(message string) (PhaseRule, bool) {
	for _, rule := range c.PhaseRules {
		if rule.Pattern.MatchString(message) {
			return rule, true
		}
	}
	return PhaseRule{}, false
}

func scale(count int, divisor float64) int {
	if divisor <= 0 {
		return 0
	}
	return int(math.Round(float64(count) / divisor))
}

// WithSubStepPrefix renders the persisted step 1 message: the marker followed
// by the text after the last ": " separator.
func WithSubStepPrefix(n int, message string) string {
	text := message
	if idx := strings.LastIndex(message, ": "); idx >= 0 {
		text = message[idx+2:]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return crawl.SubStepPrefix(n)
	}
	return crawl.SubStepPrefix(n) + ": " + text
}
