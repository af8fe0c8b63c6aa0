// Package message renders escalation notification content: subject and body
// text with intensity escalating by level, placeholder substitution, and
// human-readable overdue durations.
package message

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

// RandomVariant selects a random phrasing for each message part.
const RandomVariant = -1

// Context carries the facts substituted into message templates.
type Context struct {
	TaskTitle      string
	OwnerName      string
	OwnerEmail     string
	ContactName    string
	Relationship   string
	CustomMessage  string
	DueDate        time.Time
	OverdueMinutes int
}

// Content is a fully rendered notification.
type Content struct {
	Subject      string
	Opening      string
	Body         string
	CallToAction string
	Level        int
	Intensity    string
}

// Generator renders shame messages. The randomness source is injected so
// tests can seed it; callers wanting reproducible output pass an explicit
// variant index instead.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a Generator seeded with the given value.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate renders content for the given level with random variant selection.
func (g *Generator) Generate(level int, ctx Context) Content {
	return g.GenerateVariant(level, RandomVariant, ctx)
}

// GenerateVariant renders content for the given level. If variant is a valid
// index into a part's candidate list it is used for that part; otherwise a
// random candidate is chosen. Level is clamped into [1,3].
func (g *Generator) GenerateVariant(level, variant int, ctx Context) Content {
	level = clampLevel(level)
	tmpl := templates[level]

	vars := map[string]string{
		"taskTitle":     ctx.TaskTitle,
		"ownerName":     ctx.OwnerName,
		"ownerEmail":    ctx.OwnerEmail,
		"contactName":   ctx.ContactName,
		"relationship":  ctx.Relationship,
		"customMessage": ctx.CustomMessage,
		"dueDate":       ctx.DueDate.Format("Monday, January 2, 2006"),
		"hoursOverdue":  FormatOverdue(ctx.OverdueMinutes),
	}

	return Content{
		Subject:      substitute(g.pick(tmpl.Subjects, variant), vars),
		Opening:      substitute(g.pick(tmpl.Openings, variant), vars),
		Body:         substitute(g.pick(tmpl.Bodies, variant), vars),
		CallToAction: substitute(g.pick(tmpl.CallsToAction, variant), vars),
		Level:        level,
		Intensity:    IntensityLabel(level),
	}
}

func (g *Generator) pick(candidates []string, variant int) string {
	if variant >= 0 && variant < len(candidates) {
		return candidates[variant]
	}
	return candidates[g.rng.Intn(len(candidates))]
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 3 {
		return 3
	}
	return level
}

// IntensityLabel maps an escalation level to its user-facing intensity.
func IntensityLabel(level int) string {
	switch clampLevel(level) {
	case 1:
		return "friendly nudge"
	case 2:
		return "serious concern"
	default:
		return "maximum shame"
	}
}

var (
	singleBrace = regexp.MustCompile(`\{(\w+)\}`)
	doubleBrace = regexp.MustCompile(`\{\{(\w+)\}\}`)
)

// substitute replaces {name} placeholders from vars. Unresolved placeholders
// become empty strings rather than surviving into sent mail.
func substitute(tmpl string, vars map[string]string) string {
	return singleBrace.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		return vars[key]
	})
}

// RenderPolicyTemplate replaces {{name}} placeholders from vars, with the
// same empty-string behavior for unresolved names.
func RenderPolicyTemplate(tmpl string, vars map[string]string) string {
	return doubleBrace.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[2 : len(m)-2]
		return vars[key]
	})
}

// PolicyTemplateVars builds the substitution map for scheduler-rendered
// policy templates.
func PolicyTemplateVars(ctx Context, level, minutesOverdue int) map[string]string {
	return map[string]string{
		"taskTitle":       ctx.TaskTitle,
		"ownerName":       ctx.OwnerName,
		"ownerEmail":      ctx.OwnerEmail,
		"contactName":     ctx.ContactName,
		"escalationLevel": strconv.Itoa(level),
		"dueDate":         ctx.DueDate.Format("1/2/2006"),
		"minutesOverdue":  strconv.Itoa(minutesOverdue),
	}
}

// DefaultPolicyTemplate returns the built-in scheduler template for a level.
func DefaultPolicyTemplate(level int) string {
	return defaultPolicyTemplates[clampLevel(level)]
}

// FormatOverdue formats a minute count as a human duration. The boundary and
// pluralization behavior is deliberate: 1500 minutes renders as
// "1 days and 1 hours".
func FormatOverdue(totalMinutes int) string {
	if totalMinutes < 60 {
		return fmt.Sprintf("%d minutes", totalMinutes)
	}
	if totalMinutes < 1440 {
		hours := totalMinutes / 60
		minutes := totalMinutes % 60
		if minutes > 0 {
			return fmt.Sprintf("%d hours and %d minutes", hours, minutes)
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := totalMinutes / 1440
	hours := (totalMinutes % 1440) / 60
	if hours > 0 {
		return fmt.Sprintf("%d days and %d hours", days, hours)
	}
	return fmt.Sprintf("%d days", days)
}
