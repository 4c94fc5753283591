package bhcore

import "github.com/bohrium-go/bhcore/bherrors"

// Error, ErrorCode, and the ErrCodeXxx constants are re-exported from
// bherrors so callers only need to import the root package for the
// common case: gpu/* and cluster/* return *bherrors.Error directly
// (they cannot import bhcore without a cycle), and this alias lets
// application code write bhcore.Error / bhcore.ErrCodeWriteConflict
// without a second import.
type (
	Error     = bherrors.Error
	ErrorCode = bherrors.ErrorCode
)

const (
	ErrCodeOutOfMemory       = bherrors.ErrCodeOutOfMemory
	ErrCodeNoGPUPlatform     = bherrors.ErrCodeNoGPUPlatform
	ErrCodeKernelBuildFailed = bherrors.ErrCodeKernelBuildFailed
	ErrCodeUnsupportedOpcode = bherrors.ErrCodeUnsupportedOpcode
	ErrCodeUnsupportedUserFn = bherrors.ErrCodeUnsupportedUserFn
	ErrCodeShapeMismatch     = bherrors.ErrCodeShapeMismatch
	ErrCodeRWConflict        = bherrors.ErrCodeRWConflict
	ErrCodeWriteConflict     = bherrors.ErrCodeWriteConflict
	ErrCodeUnknownMessage    = bherrors.ErrCodeUnknownMessage
	ErrCodeCollectiveFailed  = bherrors.ErrCodeCollectiveFailed
	ErrCodeGenericDevice     = bherrors.ErrCodeGenericDevice
)

// Code extracts the ErrorCode from err, defaulting to
// ErrCodeGenericDevice if err is not a *bherrors.Error.
func Code(err error) ErrorCode { return bherrors.Code(err) }
