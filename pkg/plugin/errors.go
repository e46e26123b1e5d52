package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a plugin host failure.
type ErrorKind string

const (
	// KindNotFound means the requested rule name is not registered.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidManifest means a manifest could not be parsed or validated,
	// the artifact did not match it, or the module lacks a required export.
	KindInvalidManifest ErrorKind = "invalid_manifest"

	// KindCall means the rule failed while being invoked: a guest trap,
	// a marshaling fault, or an undecodable response.
	KindCall ErrorKind = "call"

	// KindResourceExhausted means the rule ran out of its instruction budget.
	KindResourceExhausted ErrorKind = "resource_exhausted"
)

// Sentinels for errors.Is. A *PluginError matches the sentinel of its kind.
var (
	ErrNotFound          = &PluginError{Kind: KindNotFound}
	ErrInvalidManifest   = &PluginError{Kind: KindInvalidManifest}
	ErrCall              = &PluginError{Kind: KindCall}
	ErrResourceExhausted = &PluginError{Kind: KindResourceExhausted}
)

// PluginError is the error type returned by the host.
// nolint:revive // PluginError reads better than Error at call sites
type PluginError struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// Rule is the rule name the failure concerns, if any.
	Rule string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Rule != "" {
		msg = fmt.Sprintf("%s (rule=%s)", msg, e.Rule)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *PluginError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *PluginError of the same kind.
func (e *PluginError) Is(target error) bool {
	t, ok := target.(*PluginError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewNotFoundError creates a NotFound error for name.
func NewNotFoundError(name string) *PluginError {
	return &PluginError{
		Kind:    KindNotFound,
		Rule:    name,
		Message: "rule not found",
	}
}

// NewInvalidManifestError creates an InvalidManifest error.
func NewInvalidManifestError(rule, message string, err error) *PluginError {
	return &PluginError{
		Kind:    KindInvalidManifest,
		Rule:    rule,
		Message: message,
		Err:     err,
	}
}

// NewCallError creates a Call error.
func NewCallError(rule, message string, err error) *PluginError {
	return &PluginError{
		Kind:    KindCall,
		Rule:    rule,
		Message: message,
		Err:     err,
	}
}

// NewResourceExhaustedError creates a ResourceExhausted error.
func NewResourceExhaustedError(rule string, budget uint64) *PluginError {
	return &PluginError{
		Kind:    KindResourceExhausted,
		Rule:    rule,
		Message: fmt.Sprintf("instruction budget of %d exhausted", budget),
	}
}

// KindOf returns the kind of the first *PluginError in err's chain, or ""
// when there is none.
func KindOf(err error) ErrorKind {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// withRule fills in the rule name on a *PluginError that lacks one, or wraps
// any other error as a Call failure for rule.
func withRule(rule string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		if pe.Rule == "" {
			cp := *pe
			cp.Rule = rule
			return &cp
		}
		return err
	}
	return NewCallError(rule, "rule call failed", err)
}
