package ailink

// RawResponseError wraps an error with the raw provider payload, so a failed
// conversion can be debugged without re-sending the request.
type RawResponseError struct {
	Err error
	Raw []byte
}

func (e *RawResponseError) Error() string {
	if e == nil || e.Err == nil {
		return "ailink error"
	}
	return e.Err.Error()
}

func (e *RawResponseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
