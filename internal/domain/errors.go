package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrCircuitOpen  = fmt.Errorf("circuit breaker open")
	ErrNoAgents     = fmt.Errorf("no agents configured")
	ErrAgentInvalid = fmt.Errorf("invalid agent definition")

	// Remote fetch errors. Every failure to obtain a job snapshot wraps ErrFetch.
	// Timeouts and open-circuit refusals also match their category sentinel.
	ErrFetch            = fmt.Errorf("job fetch failed")
	ErrFetchStatus      = fmt.Errorf("%w: unexpected status", ErrFetch)
	ErrFetchMalformed   = fmt.Errorf("%w: malformed payload", ErrFetch)
	ErrFetchTimeout     = fmt.Errorf("%w: %w", ErrFetch, ErrTimeout)
	ErrFetchCircuitOpen = fmt.Errorf("%w: %w", ErrFetch, ErrCircuitOpen)

	// Launch errors. These are scoped to one agent within one cycle.
	ErrLaunch       = fmt.Errorf("launch failed")
	ErrLaunchKilled = fmt.Errorf("%w: killed by signal", ErrLaunch)

	// Webhook errors.
	ErrWebhookAuthFailed = fmt.Errorf("webhook: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Buildkite.FetchJobs")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "buildkite", "launch"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that the next
// poll may not hit again.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrFetch) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeDecryption     ErrorCode = "DECRYPTION"
	CodeEncryption     ErrorCode = "ENCRYPTION"
	CodeAuthInvalid    ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	CodeNoAgents       ErrorCode = "NO_AGENTS"
	CodeAgentInvalid   ErrorCode = "AGENT_INVALID"
	CodeFetch          ErrorCode = "FETCH"
	CodeFetchStatus    ErrorCode = "FETCH_STATUS"
	CodeFetchMalformed ErrorCode = "FETCH_MALFORMED"
	CodeFetchTimeout   ErrorCode = "FETCH_TIMEOUT"
	CodeLaunch         ErrorCode = "LAUNCH"
	CodeLaunchKilled   ErrorCode = "LAUNCH_KILLED"
	CodeWebhookAuth    ErrorCode = "WEBHOOK_AUTH"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeLaunchNotFound ErrorCode = "LAUNCH_COMMAND_NOT_FOUND"
	CodeWebhookLimited ErrorCode = "WEBHOOK_RATE_LIMITED"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,

	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrNoAgents:          CodeNoAgents,
	ErrAgentInvalid:      CodeAgentInvalid,
	ErrFetch:             CodeFetch,
	ErrFetchStatus:       CodeFetchStatus,
	ErrFetchMalformed:    CodeFetchMalformed,
	ErrFetchTimeout:      CodeFetchTimeout,
	ErrFetchCircuitOpen:  CodeCircuitOpen,
	ErrLaunch:            CodeLaunch,
	ErrLaunchKilled:      CodeLaunchKilled,
	ErrWebhookAuthFailed: CodeWebhookAuth,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"launch": CodeLaunchNotFound,
	},
	ErrLimitReached: {
		"webhook": CodeWebhookLimited,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Wrapping sentinels (ErrFetchStatus wraps ErrFetch) resolve to the most
// specific code. Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Most specific first: sentinels that wrap another sentinel.
	for _, sentinel := range []error{
		ErrFetchStatus, ErrFetchMalformed, ErrFetchTimeout, ErrFetchCircuitOpen,
		ErrLaunchKilled, ErrWebhookAuthFailed,
	} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
