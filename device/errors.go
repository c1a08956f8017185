package device

import (
	"errors"
	"fmt"
)

var (
	// ErrBadGroupKey marks malformed enrollment-group key material. Fatal to
	// the affected device's startup only.
	ErrBadGroupKey = errors.New("invalid enrollment group key")

	// ErrProvisioningTimeout is returned when assignment polling exhausts its
	// attempt budget without resolving.
	ErrProvisioningTimeout = errors.New("provisioning did not resolve within the attempt budget")

	// ErrJobInProgress rejects a firmware update request while another job is
	// active. Requests are rejected, never queued, so phase ordering holds.
	ErrJobInProgress = errors.New("firmware update already in progress")

	// ErrNotSupported is returned when an operation needs a capability the
	// underlying transport does not provide.
	ErrNotSupported = errors.New("not supported by transport")
)

// RegistrationError reports a failed registration request or a terminal
// "failed" assignment status. It removes the device from the fleet; the
// fleet itself continues.
type RegistrationError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *RegistrationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// CredentialError wraps a token generation failure. It aborts the current
// send attempt; the next attempt regenerates from scratch.
type CredentialError struct {
	Resource string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for %s: %v", e.Resource, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ConnectionError marks a transport-level failure. The connection is
// considered lost; subsequent sends no-op until it is reopened.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OTAError carries the failing phase of a firmware update job. The job is
// marked failed and the device stays on its prior version.
type OTAError struct {
	Phase string
	Err   error
}

func (e *OTAError) Error() string {
	return fmt.Sprintf("firmware %s: %v", e.Phase, e.Err)
}

func (e *OTAError) Unwrap() error { return e.Err }
