package cond

import "errors"

// Status is the wire form of a failure reported by a remote handler.
type Status struct {
	Category string `cbor:"category" json:"category"`
	Code     string `cbor:"code" json:"code"`
	Message  string `cbor:"message" json:"message"`
}

// StatusOf describes err using its ErrorCategory, ErrorCode and ErrorMessage
// when it has them.
func StatusOf(err error) Status {
	var st Status

	if err == nil {
		return st
	}

	st.Message = err.Error()

	var ec ErrorCategory
	if errors.As(err, &ec) {
		st.Category = ec.ErrorCategory()
	}

	var cc ErrorCode
	if errors.As(err, &cc) {
		st.Code = cc.ErrorCode()
	}

	var em ErrorMessage
	if errors.As(err, &em) {
		st.Message = em.ErrorMessage()
	}

	if st.Code == "" {
		st.Code = "internal"
	}

	return st
}

// Err rebuilds the application failure the status describes.
func (s Status) Err() error {
	return ApplicationFailure(s.Category, s.Code, s.Message)
}
