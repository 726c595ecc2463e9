package sync

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// MetadataError is a remote lookup failure other than ErrNotFound.
type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("stat %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// ReadError is a local file that could not be opened or read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// errorCode returns the store's error code when it has one, else the message.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		return apiErr.ErrorCode()
	}
	var re *ReadError
	if errors.As(err, &re) {
		return re.Err.Error()
	}
	var me *MetadataError
	if errors.As(err, &me) {
		return me.Err.Error()
	}
	return err.Error()
}
