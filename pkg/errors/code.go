package errors

import "google.golang.org/grpc/codes"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Cell module errors
// 12000-12999: Executable module errors
// 13000-13999: Resource controller (cgroup) errors
// 14000-14999: Process supervision errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalError      ErrorCode = 10001
	InvalidParams      ErrorCode = 10002
	NotFound           ErrorCode = 10003
	ServiceUnavailable ErrorCode = 10004
	Timeout            ErrorCode = 10005

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidRange       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Cell Module Errors (11000-11999) ==========

	CellNotFound     ErrorCode = 11000
	CellExists       ErrorCode = 11001
	CellNotEmpty     ErrorCode = 11002
	ParentNotFound   ErrorCode = 11003
	CellProvisioning ErrorCode = 11004
	InvalidCellName  ErrorCode = 11005

	// ========== Executable Module Errors (12000-12999) ==========

	ExecutableNotFound ErrorCode = 12000
	ExecutableExists   ErrorCode = 12001
	InvalidCommand     ErrorCode = 12002

	// ========== Resource Controller Errors (13000-13999) ==========

	ControllerError       ErrorCode = 13000
	UnsupportedController ErrorCode = 13001
	CgroupBusy            ErrorCode = 13002
	CgroupRollbackFailed  ErrorCode = 13003

	// ========== Process Supervision Errors (14000-14999) ==========

	SpawnFailed  ErrorCode = 14000
	SignalFailed ErrorCode = 14001
	ReapFailed   ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:            "Success",
	InternalError:      "Internal error",
	InvalidParams:      "Invalid parameters",
	NotFound:           "Resource not found",
	ServiceUnavailable: "Service temporarily unavailable",
	Timeout:            "Request timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidRange:       "Value outside documented bounds",
	RequiredFieldEmpty: "Required field is empty",

	// Cell
	CellNotFound:     "Cell not found",
	CellExists:       "Cell already exists",
	CellNotEmpty:     "Cell still owns executables or child cells",
	ParentNotFound:   "Parent cell not found",
	CellProvisioning: "Cell is still provisioning",
	InvalidCellName:  "Invalid cell name",

	// Executable
	ExecutableNotFound: "Executable not found",
	ExecutableExists:   "Executable already exists in cell",
	InvalidCommand:     "Invalid executable command",

	// Resource controller
	ControllerError:       "Resource controller operation failed",
	UnsupportedController: "Requested controller is unavailable on this host",
	CgroupBusy:            "Cgroup still has attached processes",
	CgroupRollbackFailed:  "Cgroup rollback after partial apply failed",

	// Process supervision
	SpawnFailed:  "Failed to spawn process",
	SignalFailed: "Failed to signal process",
	ReapFailed:   "Failed to reap process",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// GRPCCode returns the gRPC status code the façade reports for this error code.
func (c ErrorCode) GRPCCode() codes.Code {
	switch c {
	case Success:
		return codes.OK
	case NotFound, CellNotFound, ParentNotFound, ExecutableNotFound:
		return codes.NotFound
	case CellExists, ExecutableExists:
		return codes.AlreadyExists
	case CellNotEmpty, CgroupBusy, CellProvisioning:
		return codes.FailedPrecondition
	case InvalidParams, ValidationFailed, InvalidFormat, InvalidRange,
		RequiredFieldEmpty, InvalidCellName, InvalidCommand:
		return codes.InvalidArgument
	case UnsupportedController:
		return codes.Unimplemented
	case ServiceUnavailable:
		return codes.Unavailable
	case Timeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus returns the status code the introspection server reports.
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == CellNotFound, c == ParentNotFound, c == ExecutableNotFound:
		return 404
	case c == CellExists, c == ExecutableExists:
		return 409
	case c == CellNotEmpty, c == CgroupBusy, c == CellProvisioning:
		return 409
	case c >= 10300 && c < 10400, c == InvalidParams, c == InvalidCellName, c == InvalidCommand:
		return 400
	case c == UnsupportedController:
		return 501
	case c == ServiceUnavailable:
		return 503
	default:
		return 500
	}
}
