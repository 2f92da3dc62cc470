package server

import "errors"

// ErrTimeout is returned by Conn when SO_RCVTIMEO or SO_SNDTIMEO expires.
var ErrTimeout = errors.New("i/o timeout")

// SysError is a failed system call that has nothing to do with the client.
// The server cannot recover from it and stops.
type SysError struct {
	Op  string
	Err error
}

func (e *SysError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *SysError) Unwrap() error { return e.Err }

func sysErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SysError{Op: op, Err: err}
}

// IsFatal reports whether err, or anything it wraps, is a *SysError.
func IsFatal(err error) bool {
	var se *SysError
	return errors.As(err, &se)
}
