package tools

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/logging"
	"go.uber.org/zap"
)

// policy restricts which paths and commands the built-in tools may touch.
// Empty lists impose no restriction.
type policy struct {
	hidden          []string
	readOnly        []string
	allowedCommands []*regexp.Regexp
	literalCommands []string
}

func newPolicy(fs config.FilesystemAccess, allowed []string, logger *zap.Logger) *policy {
	logger = logging.OrNop(logger)
	p := &policy{hidden: fs.Hidden, readOnly: fs.ReadOnly}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fallback to simple string comparison if regex is invalid
			logger.Warn("invalid regex in allowed_commands", zap.String("pattern", pattern), zap.Error(err))
			p.literalCommands = append(p.literalCommands, pattern)
			continue
		}
		p.allowedCommands = append(p.allowedCommands, re)
	}
	return p
}

// checkRead reports whether path may be read, with the failed outcome to
// return when it may not.
func (p *policy) checkRead(path string) (Outcome, bool) {
	if p == nil {
		return Outcome{}, true
	}
	hidden, err := isPathRestricted(path, p.hidden)
	if err != nil {
		return Fail("invalid hidden pattern while checking '%s'", path), false
	}
	if hidden {
		return Fail("access denied: path '%s' is hidden", path), false
	}
	return Outcome{}, true
}

func (p *policy) checkWrite(path string) (Outcome, bool) {
	if denied, ok := p.checkRead(path); !ok || p == nil {
		return denied, ok
	}
	readOnly, err := isPathRestricted(path, p.readOnly)
	if err != nil {
		return Fail("invalid read-only pattern while checking '%s'", path), false
	}
	if readOnly {
		return Fail("access denied: path '%s' is read-only", path), false
	}
	return Outcome{}, true
}

func (p *policy) checkCommand(command string) (Outcome, bool) {
	if p == nil || (len(p.allowedCommands) == 0 && len(p.literalCommands) == 0) {
		return Outcome{}, true
	}
	if isCommandAllowed(command, p.allowedCommands, p.literalCommands) {
		return Outcome{}, true
	}
	return Fail("command '%s' is not in the list of allowed commands", command), false
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, clean)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist.
func isCommandAllowed(command string, allowed []*regexp.Regexp, literal []string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, re := range allowed {
		if re.MatchString(command) {
			return true
		}
	}
	for _, l := range literal {
		if command == l {
			return true
		}
	}
	return false
}
