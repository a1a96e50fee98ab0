package profile

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/participle/v2"
)

// Parser turns profile source into a Profile.
type Parser struct {
	parser *participle.Parser[File]
}

// NewParser creates a new profile parser instance
func NewParser() (*Parser, error) {
	parser, err := participle.Build[File](
		participle.Lexer(ProfileLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.Unquote("String"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse reads a profile from r. filename is only used in error positions.
func (p *Parser) Parse(filename string, r io.Reader) (*Profile, error) {
	file, err := p.parser.Parse(filename, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return build(file)
}

// ParseString parses a profile held in memory.
func (p *Parser) ParseString(filename, input string) (*Profile, error) {
	file, err := p.parser.ParseString(filename, input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return build(file)
}

// ParseFile parses the profile at filename.
func (p *Parser) ParseFile(filename string) (*Profile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return p.Parse(filename, f)
}

// Load parses the profile at path, or returns Default when path is empty.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default()
	}
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	return p.ParseFile(path)
}

func build(file *File) (*Profile, error) {
	prof := &Profile{Name: file.Name, stages: make(map[string][]Step)}
	for _, decl := range file.Stages {
		if _, dup := prof.stages[decl.Name]; dup {
			return nil, fmt.Errorf("%s: stage %q declared twice", decl.Pos, decl.Name)
		}
		steps := make([]Step, 0, len(decl.Steps))
		for _, sd := range decl.Steps {
			step := Step{Optional: sd.Try, Line: sd.Pos.Line}
			switch {
			case sd.Write != nil:
				step.Action, step.Text = ActionWrite, *sd.Write
			case sd.Query != nil:
				step.Action, step.Text = ActionQuery, *sd.Query
			case sd.Sleep != nil:
				step.Action, step.Delay = ActionSleep, time.Duration(*sd.Sleep)
				if step.Optional {
					return nil, fmt.Errorf("%s: try has no effect on sleep", sd.Pos)
				}
			}
			if step.Action != ActionSleep && step.Text == "" {
				return nil, fmt.Errorf("%s: empty command", sd.Pos)
			}
			if err := checkVars(step.Text); err != nil {
				return nil, fmt.Errorf("%s: %w", sd.Pos, err)
			}
			steps = append(steps, step)
		}
		prof.stages[decl.Name] = steps
		prof.order = append(prof.order, decl.Name)
	}
	return prof, nil
}
