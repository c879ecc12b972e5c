// Package protocol implements the line-oriented text protocol spoken on the
// TCP port and replayed from the AOF. A command is a name followed by
// whitespace-separated arguments; arguments may be single- or double-quoted
// to carry spaces (filter expressions, JSON metadata), and a backslash inside
// quotes escapes the next character.
package protocol

import (
	"fmt"
	"strings"
)

// Command is a parsed client command.
type Command struct {
	Name string // "SET", "VADD", ...
	Args [][]byte
}

// Parse splits a raw command line into a Command. The command name is
// upper-cased; arguments keep their case. Quoted arguments are unwrapped.
func Parse(raw string) (*Command, error) {
	parts, err := tokenize(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := &Command{
		Name: strings.ToUpper(parts[0]),
		Args: make([][]byte, 0, len(parts)-1),
	}
	for _, arg := range parts[1:] {
		cmd.Args = append(cmd.Args, []byte(arg))
	}
	return cmd, nil
}

// tokenize splits on whitespace, treating quoted runs as single tokens.
// Inside a quoted run a backslash escapes the next byte, so quote characters
// and backslashes themselves can appear in a token.
func tokenize(raw string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote byte
	inToken := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote != 0:
			if c == '\\' {
				if i+1 >= len(raw) {
					return nil, fmt.Errorf("dangling escape in command")
				}
				i++
				cur.WriteByte(raw[i])
			} else if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
