package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups errors by subsystem
type Category string

const (
	CategoryLLM        Category = "llm"
	CategoryTool       Category = "tool"
	CategoryAgent      Category = "agent"
	CategoryConfig     Category = "config"
	CategoryPermission Category = "permission"
	CategoryContext    Category = "context"
	CategoryStorage    Category = "storage"
	CategorySession    Category = "session"
	CategoryPatch      Category = "patch"
	CategoryVerify     Category = "verify"
)

// BuddyError is the structured error type for the project
type BuddyError struct {
	Category  Category
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *BuddyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

func (e *BuddyError) Unwrap() error {
	return e.Cause
}

func (e *BuddyError) Is(target error) bool {
	t, ok := target.(*BuddyError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Category == t.Category
}

// IsRetryable checks whether an error is retryable.
// Returns false for nil errors or non-BuddyError types.
func IsRetryable(err error) bool {
	var be *BuddyError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// GetCategory extracts the error category from a BuddyError.
// Returns an empty Category for nil errors or non-BuddyError types.
func GetCategory(err error) Category {
	var be *BuddyError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// GetCode extracts the error code, or "" when err is not a BuddyError.
func GetCode(err error) string {
	var be *BuddyError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// GetUserMessage returns a user-friendly message for the error.
// For BuddyError it returns the Message field; for other errors it returns Error().
func GetUserMessage(err error) string {
	if err == nil {
		return ""
	}
	var be *BuddyError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

// denialPhrases are the substrings that mark an untyped error as a policy or
// approval denial. Matching is case-insensitive.
var denialPhrases = []string{
	"permission denied",
	"approval denied",
	"locked mode",
	"policy blocked",
	"not allowed",
}

// IsPolicyDenied reports whether err is a policy or approval denial.
// Typed errors are checked first; plain errors fall back to a phrase match.
func IsPolicyDenied(err error) bool {
	if err == nil {
		return false
	}
	var be *BuddyError
	if errors.As(err, &be) {
		if be.Code == codePolicyDenied || be.Code == codeApprovalDenied {
			return true
		}
	}
	return ContainsDenialPhrase(err.Error())
}

// ContainsDenialPhrase reports whether msg mentions one of the denial phrases.
func ContainsDenialPhrase(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range denialPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// IsUnrecoverable reports whether the error class must be surfaced to the
// caller instead of being fed back to the model.
func IsUnrecoverable(err error) bool {
	switch GetCode(err) {
	case codeInvalidTransition, codeStorageIO, codeContentFilter, codeMaxIterations:
		return true
	}
	return false
}
