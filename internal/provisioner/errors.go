package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/rossigee/ec2-volume-provisioner/internal/retry"
)

var (
	ErrParameterConflict        = errors.New("conflicting parameters")
	ErrMissingParameter         = errors.New("missing parameter")
	ErrInvalidParameter         = errors.New("invalid parameter")
	ErrNotFound                 = errors.New("volume not found")
	ErrInstanceNotFound         = errors.New("instance not found")
	ErrAmbiguous                = errors.New("more than one volume matches")
	ErrAlreadyAttachedElsewhere = errors.New("volume is attached to another instance")
	ErrStillAttached            = errors.New("volume is still attached")
	ErrVolumeFailed             = errors.New("volume entered error state")
	ErrAttachmentFailed         = errors.New("attachment failed")
)

// ProviderError carries a failed EC2 API call through unchanged.
type ProviderError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Op, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Op:      op,
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
			Err:     err,
		}
	}
	return &ProviderError{Op: op, Message: err.Error(), Err: err}
}

// apiErrorCode returns the provider error code of err, if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// ErrorCode classifies err for failure reports. Provider errors report the
// provider's own code.
func ErrorCode(err error) string {
	var perr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &perr):
		if perr.Code != "" {
			return perr.Code
		}
		return "ProviderError"
	case errors.Is(err, ErrParameterConflict):
		return "ParameterConflict"
	case errors.Is(err, ErrMissingParameter):
		return "MissingParameter"
	case errors.Is(err, ErrInvalidParameter):
		return "InvalidParameter"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInstanceNotFound):
		return "NotFound"
	case errors.Is(err, ErrAmbiguous):
		return "Ambiguous"
	case errors.Is(err, ErrAlreadyAttachedElsewhere):
		return "AlreadyAttachedElsewhere"
	case errors.Is(err, ErrStillAttached):
		return "StillAttached"
	case errors.Is(err, ErrVolumeFailed):
		return "VolumeFailed"
	case errors.Is(err, ErrAttachmentFailed):
		return "AttachmentFailed"
	case errors.Is(err, retry.ErrPollTimeout):
		return "PollTimeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "InternalError"
	}
}
