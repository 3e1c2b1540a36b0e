// ABOUTME: Configuration error types
// ABOUTME: ErrConfiguration sentinel and MissingKeysError listing absent required keys

package config

import (
	"errors"
	"strings"
)

// ErrConfiguration is the sentinel every configuration failure wraps.
var ErrConfiguration = errors.New("configuration error")

// MissingKeysError reports required top-level keys absent from a configuration file.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return "Missing required config keys: " + strings.Join(e.Keys, ", ")
}

// Is makes errors.Is(err, ErrConfiguration) match a MissingKeysError.
func (e *MissingKeysError) Is(target error) bool {
	return target == ErrConfiguration
}
