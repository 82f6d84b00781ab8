package errors

// DetailProcessSurvived records whether the worker process outlived the
// failed request. It is the second axis next to the error code: a timeout
// always kills the worker, an execution failure may or may not.
const DetailProcessSurvived = "process_survived"

// SandboxError creates an error scoped to one sandbox and records whether its
// worker process survived.
func SandboxError(code ErrorCode, sandboxID string, survived bool, format string, args ...interface{}) *Error {
	e := Newf(code, format, args...)
	e.Stack = getStack(2)
	return e.WithSandbox(sandboxID).WithSurvived(survived)
}

// WithSandbox tags the error with the sandbox it happened in.
func (e *Error) WithSandbox(sandboxID string) *Error {
	return e.WithDetail("sandbox_id", sandboxID)
}

// WithSurvived marks whether the sandbox process outlived the failure.
func (e *Error) WithSurvived(survived bool) *Error {
	return e.WithDetail(DetailProcessSurvived, survived)
}

// ProcessSurvived reports whether the sandbox process outlived err. Errors
// that never touched a sandbox process carry no mark and count as surviving.
func ProcessSurvived(err error) bool {
	if err == nil {
		return true
	}
	v, ok := Detail(err, DetailProcessSurvived)
	if !ok {
		return true
	}
	survived, _ := v.(bool)
	return survived
}

// ProcessFatal reports whether err took the sandbox process down with it.
func ProcessFatal(err error) bool {
	return err != nil && !ProcessSurvived(err)
}
