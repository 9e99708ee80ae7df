// Package script runs line-oriented register scripts against a bridge.
//
// A script is a sequence of statements, one per line, with # comments:
//
//	write 0x05 0x3C          # two bytes out under one select
//	read 0x85 0x00 expect 0x3C
//	gpio 22 = 1
//	gpio 22 ?
//	sleep 10ms
//	clock 5000000
//	start
//	reset
package script

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/participle/v2"
)

// Parser parses register scripts.
type Parser struct {
	parser *participle.Parser[Script]
}

// NewParser builds the grammar.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[Script](
		participle.Lexer(ScriptLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("script: build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses a script from r. name is used in positions.
func (p *Parser) Parse(name string, r io.Reader) (*Script, error) {
	s, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseString parses a script held in memory.
func (p *Parser) ParseString(name, input string) (*Script, error) {
	s, err := p.parser.ParseString(name, input)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseFile parses the script at path.
func (p *Parser) ParseFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	defer f.Close()
	return p.Parse(path, f)
}

func (s *Script) validate() error {
	for _, st := range s.Statements {
		if err := st.validate(); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	return nil
}
