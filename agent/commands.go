package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/m4xw311/alang/errors"
)

const cmdClear = "/clear"

type inputKind int

const (
	kindChat inputKind = iota
	kindClear
	kindNewSession
	kindNotice
	kindTool
)

// parsedInput is the interpretation of one submitted line.
type parsedInput struct {
	kind inputKind
	name string // session name for /new
	tool string
	args map[string]interface{}
	// notice renders the text of a kindNotice input.
	notice func(a *Agent) string
}

func (p parsedInput) text(a *Agent) string {
	if p.notice == nil {
		return ""
	}
	return p.notice(a)
}

func noticeOf(s string) parsedInput {
	return parsedInput{kind: kindNotice, notice: func(*Agent) string { return s }}
}

// toolShortcuts maps a command to its tool and the argument keys filled from
// positional words. The last key of a "rest" shortcut takes the remainder of
// the line verbatim.
var toolShortcuts = map[string]struct {
	tool  string
	keys  []string
	min   int
	rest  bool
	usage string
}{
	"/read":  {tool: "ReadFile", keys: []string{"filename"}, min: 1, usage: "/read <file>"},
	"/write": {tool: "WriteFile", keys: []string{"filename", "content"}, min: 2, rest: true, usage: "/write <file> <content>"},
	"/ls":    {tool: "ListDirectory", keys: []string{"directory"}, usage: "/ls [directory]"},
	"/glob":  {tool: "GlobSearch", keys: []string{"pattern", "directory"}, min: 1, usage: "/glob <pattern> [directory]"},
	"/grep":  {tool: "TextSearch", keys: []string{"text", "directory", "file_pattern"}, min: 1, usage: "/grep <text> [directory] [file_pattern]"},
	"/run":   {tool: "RunCommand", keys: []string{"command"}, min: 1, rest: true, usage: "/run <command>"},
}

const helpText = `Commands:
  /clear                                 clear the conversation and start a new session
  /new [name]                            start a new session
  /tool <Name> <json | key=value ...>    run any registered tool
  /read <file>                           read a file
  /write <file> <content>                write a file
  /ls [directory]                        list a directory
  /glob <pattern> [directory]            find files by glob, ** recurses
  /grep <text> [directory] [pattern]     search file contents
  /run <command>                         run a shell command
  /tools                                 list available tools
  /help                                  show this help`

// parseInput classifies input. Unknown slash words are sent to the model
// as ordinary text.
func parseInput(input string) parsedInput {
	if !strings.HasPrefix(input, "/") {
		return parsedInput{kind: kindChat}
	}
	word, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch word {
	case cmdClear:
		return parsedInput{kind: kindClear}
	case "/new":
		return parsedInput{kind: kindNewSession, name: rest}
	case "/help":
		return noticeOf(helpText)
	case "/tools":
		return parsedInput{kind: kindNotice, notice: describeTools}
	case "/tool":
		name, argText, _ := strings.Cut(rest, " ")
		if name == "" {
			return noticeOf("Usage: /tool <Name> <json | key=value ...>")
		}
		args, err := parseToolArgText(strings.TrimSpace(argText))
		if err != nil {
			return noticeOf(fmt.Sprintf("Invalid arguments for %s: %s", name, errors.Message(err)))
		}
		return parsedInput{kind: kindTool, tool: name, args: args}
	}

	sc, ok := toolShortcuts[word]
	if !ok {
		return parsedInput{kind: kindChat}
	}
	args, err := positionalArgs(rest, sc.keys, sc.rest)
	if err != nil || len(args) < sc.min {
		return noticeOf("Usage: " + sc.usage)
	}
	return parsedInput{kind: kindTool, tool: sc.tool, args: args}
}

func positionalArgs(rest string, keys []string, takeRest bool) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if rest == "" {
		return args, nil
	}
	if takeRest && len(keys) == 1 {
		args[keys[0]] = rest
		return args, nil
	}
	if takeRest {
		first, remainder, _ := strings.Cut(rest, " ")
		args[keys[0]] = first
		if remainder = strings.TrimSpace(remainder); remainder != "" {
			args[keys[1]] = remainder
		}
		return args, nil
	}
	words, err := shlex.Split(rest)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid arguments")
	}
	if len(words) > len(keys) {
		return nil, errors.New("too many arguments")
	}
	for i, w := range words {
		args[keys[i]] = w
	}
	return args, nil
}

func parseToolArgText(s string) (map[string]interface{}, error) {
	if strings.HasPrefix(s, "{") {
		args := map[string]interface{}{}
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return nil, errors.Wrapf(err, "invalid JSON object")
		}
		return args, nil
	}
	words, err := shlex.Split(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid arguments")
	}
	return ParseToolArgs(words)
}

// ParseToolArgs turns key=value words into tool arguments. Values stay
// strings; tools coerce them as needed.
func ParseToolArgs(words []string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	for _, w := range words {
		key, value, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return nil, errors.New("expected key=value, got %q", w)
		}
		args[key] = value
	}
	return args, nil
}

func describeTools(a *Agent) string {
	return "Available tools:\n" + a.tools.Describe()
}

func formatNewSession(id int64, name string) string {
	return fmt.Sprintf("Started session %d (%s)", id, name)
}
