package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

// ErrConnection marks failures to reach the store, as opposed to failures of a
// statement the store did execute.
var ErrConnection = errors.New("store connection failure")

// Classify wraps err with ErrConnection when it looks like a connectivity
// problem. Other errors, including nil, are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}

// IsConnectionError reports whether err is a connection-level failure:
// broken driver connections, network errors, or SQLSTATE class 08.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08xxx connection_exception, 57P01..03 admin/crash shutdown, cannot_connect_now
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
