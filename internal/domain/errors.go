package domain

import (
	"errors"
	"strings"
)

var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrNotFound            = errors.New("not found")
	ErrDecryption          = errors.New("decryption failed")
	ErrLoginFailed         = errors.New("login failed")
	ErrVerificationTimeout = errors.New("verification timeout")
	ErrMessageSendFailed   = errors.New("message send failed")
	ErrUnsupportedTaskType = errors.New("unsupported task type")
	ErrBrowserLaunch       = errors.New("browser launch failed")
)

// ConfigError lists every required setting that was missing at startup.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}
