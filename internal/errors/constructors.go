package errors

import "fmt"

const (
	codeInvalidTransition = "invalid_transition"
	codePolicyDenied      = "policy_denied"
	codeApprovalDenied    = "approval_denied"
	codeLLMTransport      = "llm_transport"
	codeContentFilter     = "content_filter"
	codePatchMismatch     = "patch_mismatch"
	codePatchApplyFailure = "patch_apply_failure"
	codeBudgetExceeded    = "budget_exceeded"
	codeMaxIterations     = "max_iterations"
	codeStorageIO         = "storage_io"
)

// Sentinels for errors.Is checks. Only Category and Code are compared.
var (
	ErrInvalidTransition = &BuddyError{Category: CategorySession, Code: codeInvalidTransition}
	ErrPolicyDenied      = &BuddyError{Category: CategoryPermission, Code: codePolicyDenied}
	ErrApprovalDenied    = &BuddyError{Category: CategoryPermission, Code: codeApprovalDenied}
	ErrLLMTransport      = &BuddyError{Category: CategoryLLM, Code: codeLLMTransport}
	ErrContentFilter     = &BuddyError{Category: CategoryLLM, Code: codeContentFilter}
	ErrPatchMismatch     = &BuddyError{Category: CategoryPatch, Code: codePatchMismatch}
	ErrPatchApplyFailure = &BuddyError{Category: CategoryPatch, Code: codePatchApplyFailure}
	ErrBudgetExceeded    = &BuddyError{Category: CategoryAgent, Code: codeBudgetExceeded}
	ErrMaxIterations     = &BuddyError{Category: CategoryAgent, Code: codeMaxIterations}
	ErrStorageIO         = &BuddyError{Category: CategoryStorage, Code: codeStorageIO}
)

// InvalidTransition creates an error for a session state change outside the matrix.
func InvalidTransition(from, to string) *BuddyError {
	return &BuddyError{
		Category: CategorySession,
		Code:     codeInvalidTransition,
		Message:  fmt.Sprintf("invalid session state transition: %s -> %s", from, to),
	}
}

// PolicyDenied creates an error for a tool call the policy engine refused.
func PolicyDenied(reason string) *BuddyError {
	return &BuddyError{
		Category: CategoryPermission,
		Code:     codePolicyDenied,
		Message:  reason,
	}
}

// ApprovalDenied creates an error for a tool call the user rejected.
func ApprovalDenied(tool string) *BuddyError {
	return &BuddyError{
		Category: CategoryPermission,
		Code:     codeApprovalDenied,
		Message:  fmt.Sprintf("approval denied for %s", tool),
	}
}

// LLMTransport creates an error for network, serialization or HTTP failures.
func LLMTransport(cause error) *BuddyError {
	return &BuddyError{
		Category:  CategoryLLM,
		Code:      codeLLMTransport,
		Message:   "LLM request failed",
		Retryable: true,
		Cause:     cause,
	}
}

// LLMUnavailable creates an error for when the circuit breaker rejects calls.
func LLMUnavailable(cause error) *BuddyError {
	return &BuddyError{
		Category:  CategoryLLM,
		Code:      "llm_unavailable",
		Message:   "LLM service is unavailable",
		Retryable: true,
		Cause:     cause,
	}
}

// ContentFilter creates the terminal error for a filtered response.
func ContentFilter() *BuddyError {
	return &BuddyError{
		Category: CategoryLLM,
		Code:     codeContentFilter,
		Message:  "Response blocked by content filter",
	}
}

// PatchMismatch creates an error for a diff that does not fit the declared plan.
func PatchMismatch(detail string) *BuddyError {
	return &BuddyError{
		Category: CategoryPatch,
		Code:     codePatchMismatch,
		Message:  detail,
	}
}

// PatchApplyFailure creates an error for a diff the applier refused.
func PatchApplyFailure(cause error) *BuddyError {
	return &BuddyError{
		Category: CategoryPatch,
		Code:     codePatchApplyFailure,
		Message:  "patch could not be applied",
		Cause:    cause,
	}
}

// BudgetExceeded creates an error for exhausted turn or cost budgets.
func BudgetExceeded(what string) *BuddyError {
	return &BuddyError{
		Category: CategoryAgent,
		Code:     codeBudgetExceeded,
		Message:  fmt.Sprintf("budget exceeded: %s", what),
	}
}

// MaxIterations creates the error returned when the run loop gives up.
// The last apply and verify summaries are carried in the message.
func MaxIterations(n int, lastApply, lastVerify string) *BuddyError {
	if lastApply == "" {
		lastApply = "none"
	}
	if lastVerify == "" {
		lastVerify = "none"
	}
	return &BuddyError{
		Category: CategoryAgent,
		Code:     codeMaxIterations,
		Message: fmt.Sprintf("max iterations (%d) reached without passing verification; last_apply=%s; last_verify=%s",
			n, lastApply, lastVerify),
	}
}

// StorageIO wraps a journal or disk failure.
func StorageIO(op string, cause error) *BuddyError {
	return &BuddyError{
		Category: CategoryStorage,
		Code:     codeStorageIO,
		Message:  fmt.Sprintf("storage %s failed", op),
		Cause:    cause,
	}
}

// ToolNotFound creates an error for when a requested tool does not exist.
func ToolNotFound(name string) *BuddyError {
	return &BuddyError{
		Category: CategoryTool,
		Code:     "tool_not_found",
		Message:  fmt.Sprintf("tool %q not found", name),
	}
}

// ToolExecutionFailed creates an error for when a tool execution fails.
// Retryability depends on the underlying cause.
func ToolExecutionFailed(name string, cause error) *BuddyError {
	return &BuddyError{
		Category:  CategoryTool,
		Code:      "tool_execution_failed",
		Message:   fmt.Sprintf("tool %q execution failed", name),
		Retryable: IsRetryable(cause),
		Cause:     cause,
	}
}

// ConfigLoadFailed creates an error for when configuration loading fails.
func ConfigLoadFailed(path string, cause error) *BuddyError {
	return &BuddyError{
		Category: CategoryConfig,
		Code:     "config_load_failed",
		Message:  fmt.Sprintf("failed to load config from %q", path),
		Cause:    cause,
	}
}

// ContextWindowExceeded creates an error for when the context window is exceeded.
func ContextWindowExceeded(used, max int) *BuddyError {
	return &BuddyError{
		Category: CategoryContext,
		Code:     "context_window_exceeded",
		Message:  fmt.Sprintf("context window exceeded: %d/%d tokens used", used, max),
	}
}

// PlanStalled is returned when the architect keeps proposing the same plan.
func PlanStalled(similarity float64) *BuddyError {
	return &BuddyError{
		Category: CategoryAgent,
		Code:     "plan_stalled",
		Message:  fmt.Sprintf("near-identical plans (similarity=%.0f%%)", similarity*100),
	}
}

// ContractViolation is returned when a model response still breaks its
// output format after every repair attempt.
func ContractViolation(role string, cause error) *BuddyError {
	return &BuddyError{
		Category: CategoryAgent,
		Code:     "contract_violation",
		Message:  fmt.Sprintf("%s response violated its output contract", role),
		Cause:    cause,
	}
}
