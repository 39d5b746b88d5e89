package errors

type Error struct {
	Code       int64  `json:"code"`
	Message    string `json:"message"`
	Cause      error  // the underlying error
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrap returns a copy of e carrying cause. The sentinel itself is never mutated.
func (e *Error) Wrap(cause error) *Error {
	return &Error{
		Code:       e.Code,
		Message:    e.Message,
		Cause:      cause,
		Details:    e.Details,
		StatusCode: e.StatusCode,
	}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithStatusCode(statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Is matches any *Error carrying the same code, so wrapped copies still
// satisfy errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

func (e *Error) GetStatusCode() int {
	return e.StatusCode
}
