package logging

// Trace event names.
const (
	EventSessionStart  = "session.start"
	EventSessionEnd    = "session.end"
	EventSessionResume = "session.resume"
	EventSessionState  = "session.state"

	EventRunStart    = "run.start"
	EventRunState    = "run.state"
	EventRunComplete = "run.complete"

	EventPlanCreate = "plan.create"
	EventPlanRepair = "plan.repair"
	EventStepMark   = "plan.step.mark"

	EventRouterDecision   = "router.decision"
	EventRouterEscalation = "router.escalation"

	EventLLMRequest  = "llm.request"
	EventLLMResponse = "llm.response"
	EventLLMError    = "llm.error"
	EventLLMRetry    = "llm.retry"

	EventToolProposed = "tool.proposed"
	EventToolComplete = "tool.complete"
	EventToolDenied   = "tool.denied"
	EventToolBlocked  = "tool.blocked"
	EventHookRun      = "hook.run"

	EventContextCompact = "context.compact"

	EventCacheHit     = "cache.hit"
	EventCacheMiss    = "cache.miss"
	EventOffPeakDefer = "cache.offpeak"

	EventSubagentStart    = "subagent.start"
	EventSubagentRetry    = "subagent.retry"
	EventSubagentComplete = "subagent.complete"

	EventPatchApply    = "patch.apply"
	EventLintRun       = "lint.run"
	EventVerifyRun     = "verify.run"
	EventVerifyFail    = "verify.classified"
	EventCommitPropose = "commit.propose"

	EventCheckpointCreate = "checkpoint.create"
	EventCheckpointRewind = "checkpoint.rewind"
	EventMemorySync       = "memory.sync"

	EventAutopilotIteration = "autopilot.iteration"
	EventAutopilotStop      = "autopilot.stop"

	EventError = "error"
)
