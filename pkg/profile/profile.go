package profile

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// Action is what a step does.
type Action uint8

const (
	ActionWrite Action = iota
	ActionQuery
	ActionSleep
)

func (a Action) String() string {
	switch a {
	case ActionQuery:
		return "query"
	case ActionSleep:
		return "sleep"
	}
	return "write"
}

// Step is one resolved statement. Text may contain ${var} references that
// are expanded when the step runs.
type Step struct {
	Action   Action
	Text     string
	Delay    time.Duration
	Optional bool
	Line     int
}

func (s Step) String() string {
	prefix := ""
	if s.Optional {
		prefix = "try "
	}
	if s.Action == ActionSleep {
		return fmt.Sprintf("%ssleep %s", prefix, s.Delay)
	}
	return fmt.Sprintf("%s%s %q", prefix, s.Action, s.Text)
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Profile is a named set of instrument setup stages.
type Profile struct {
	Name string

	stages  map[string][]Step
	order   []string
	sleeper Sleeper
}

// StageNames returns the stages in declaration order.
func (p *Profile) StageNames() []string {
	return append([]string(nil), p.order...)
}

// Stage returns the steps of name, or nil.
func (p *Profile) Stage(name string) []Step {
	return p.stages[name]
}

// SetSleeper replaces the timer used by sleep steps.
func (p *Profile) SetSleeper(s Sleeper) { p.sleeper = s }

// Apply runs the steps of stage against session in order, expanding ${var}
// references from vars. A stage the profile does not declare is a no-op.
// Failures of try steps are logged and skipped.
func (p *Profile) Apply(ctx context.Context, session *visa.Session, stage string, vars map[string]string) error {
	steps, ok := p.stages[stage]
	if !ok {
		return nil
	}
	sleeper := p.sleeper
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	log := logrus.WithFields(logrus.Fields{
		"component": "Profile",
		"profile":   p.Name,
		"stage":     stage,
	})
	log.WithField("steps", len(steps)).Info("Applying stage")

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step.Action == ActionSleep {
			if err := sleeper.Sleep(ctx, step.Delay); err != nil {
				return err
			}
			continue
		}

		cmd, err := Expand(step.Text, vars)
		if err != nil {
			return fmt.Errorf("line %d: %w", step.Line, err)
		}

		switch step.Action {
		case ActionWrite:
			err = session.Write(cmd)
		case ActionQuery:
			var resp string
			resp, err = session.Query(cmd)
			if err == nil {
				log.WithFields(logrus.Fields{"cmd": cmd, "resp": resp}).Debug("Query")
			}
		}
		if err == nil {
			continue
		}
		if step.Optional {
			log.WithError(err).WithField("cmd", cmd).Debug("Optional step failed")
			continue
		}
		return fmt.Errorf("line %d: %s %q: %w", step.Line, step.Action, cmd, err)
	}
	return nil
}

var varRef = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}|\$\{[^}]*\}?`)

// Expand substitutes ${name} references in text. Unknown names are an error.
func Expand(text string, vars map[string]string) (string, error) {
	var missing []string
	out := varRef.ReplaceAllStringFunc(text, func(ref string) string {
		m := varRef.FindStringSubmatch(ref)
		if m[1] == "" {
			missing = append(missing, ref)
			return ref
		}
		v, ok := vars[m[1]]
		if !ok {
			missing = append(missing, m[1])
			return ref
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// checkVars rejects malformed references at parse time.
func checkVars(text string) error {
	for _, m := range varRef.FindAllStringSubmatch(text, -1) {
		if m[1] == "" {
			return fmt.Errorf("malformed variable reference %q", m[0])
		}
	}
	return nil
}

//go:embed default.profile
var defaultSource string

// Default returns the built-in Tektronix MSO profile: two overlaid channels,
// a falling-edge trigger on CH1 and save-on-trigger spreadsheets.
func Default() (*Profile, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	return p.ParseString("default.profile", defaultSource)
}
