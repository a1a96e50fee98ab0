package profile

import (
	"time"

	"github.com/alecthomas/participle/v2/lexer"
)

// File is the parse tree of a profile.
// Example:
//
//	profile "bench"
//	stage configure { write "ACQuire:STATE OFF" }
type File struct {
	Pos    lexer.Position
	Name   string       `KwProfile @String`
	Stages []*StageDecl `@@*`
}

// StageDecl is a named block of steps.
type StageDecl struct {
	Pos   lexer.Position
	Name  string      `KwStage @Ident LBrace`
	Steps []*StepDecl `@@* RBrace`
}

// StepDecl is one statement: write, query or sleep, optionally prefixed by
// try.
type StepDecl struct {
	Pos   lexer.Position
	Try   bool           `@KwTry?`
	Write *string        `(  KwWrite @String`
	Query *string        ` | KwQuery @String`
	Sleep *DurationValue ` | KwSleep @Duration )`
}

// DurationValue captures a Duration token.
type DurationValue time.Duration

func (d *DurationValue) Capture(values []string) error {
	v, err := time.ParseDuration(values[0])
	if err != nil {
		return err
	}
	*d = DurationValue(v)
	return nil
}
