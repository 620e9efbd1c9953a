package session

import (
	"fmt"
	"os"

	"github.com/phnx-im/air-sub001/internal/config"
)

// NameEnv selects the session when no --session flag is given.
const NameEnv = "AIR_SESSION"

// DefaultName is used when neither flag, environment nor config name one.
const DefaultName = "main"

const maxNameLen = 64

// NameError reports a session name that cannot be used as a directory under
// sessions/.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid session name %q: %s", e.Name, e.Reason)
}

// ValidateName checks that name is a single lowercase path segment. The
// session directory holds air.db, daemon.sock and LOCK, so a name must never
// reach outside sessions/ or collide with those files.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &NameError{Name: name, Reason: "empty"}
	case len(name) > maxNameLen:
		return &NameError{Name: name, Reason: fmt.Sprintf("longer than %d bytes", maxNameLen)}
	case name[0] == '-':
		return &NameError{Name: name, Reason: "starts with '-'"}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return &NameError{Name: name, Reason: fmt.Sprintf("byte %d is %q, want [a-z0-9_-]", i, c)}
	}
	return nil
}

// Resolve picks the active session: the flag, then $AIR_SESSION, then
// default_session from config.toml, then DefaultName. The result is
// validated.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		name = os.Getenv(NameEnv)
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath()); err == nil {
			name = cfg.DefaultSession
		}
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
