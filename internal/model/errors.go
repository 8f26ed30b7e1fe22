package model

// ErrorKind is the closed taxonomy of error kinds the orchestrator
// surfaces on Stories and Steps (spec §7). It is a category, not a
// concrete Go error type — concrete errors still wrap a plain Go error
// and report one of these kinds via an ErrorKind() method where the
// distinction matters to a caller (e.g. Analyzer transport vs parse
// errors).
type ErrorKind string

const (
	ErrorKindNotFound               ErrorKind = "not_found"
	ErrorKindConcurrentUpdate       ErrorKind = "concurrent_update"
	ErrorKindInvalidState           ErrorKind = "invalid_state"
	ErrorKindLLMUnavailable         ErrorKind = "llm_unavailable"
	ErrorKindLLMParseError          ErrorKind = "llm_parse_error"
	ErrorKindExecutorFailure        ErrorKind = "executor_failure"
	ErrorKindVerificationUnavailable ErrorKind = "verification_unavailable"
	ErrorKindCancelled              ErrorKind = "cancelled"
	ErrorKindWorktreeUnavailable    ErrorKind = "worktree_unavailable"
	ErrorKindFinalizeFailure        ErrorKind = "finalize_failure"
)
