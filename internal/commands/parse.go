// Package commands parses control-chat slash commands and answers them.
package commands

import (
	"strings"
)

// Command is a parsed slash command. Name is lower-cased with any @bot
// suffix removed; Rest is the raw argument text of the first line.
type Command struct {
	Name string
	Args []string
	Rest string
}

// Parse reads the first line of text. Anything not starting with "/" is not
// a command.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	line, _, _ := strings.Cut(text, "\n")
	head, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	name := strings.TrimPrefix(head, "/")
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return Command{}, false
	}
	rest = strings.TrimSpace(rest)
	return Command{
		Name: strings.ToLower(name),
		Args: strings.Fields(rest),
		Rest: rest,
	}, true
}
