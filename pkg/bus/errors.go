package bus

import (
	"errors"
	"fmt"
)

// Well-known remote error names.
const (
	ErrorNotImplemented   = "org.freedesktop.Telepathy.Error.NotImplemented"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNotAvailable     = "org.freedesktop.Telepathy.Error.NotAvailable"
	ErrorObjectRemoved    = "org.freedesktop.Telepathy.Qt.Error.ObjectRemoved"

	ErrorDisconnected         = "org.freedesktop.Telepathy.Error.Disconnected"
	ErrorCancelled            = "org.freedesktop.Telepathy.Error.Cancelled"
	ErrorNetworkError         = "org.freedesktop.Telepathy.Error.NetworkError"
	ErrorAuthenticationFailed = "org.freedesktop.Telepathy.Error.AuthenticationFailed"
	ErrorEncryptionError      = "org.freedesktop.Telepathy.Error.EncryptionError"
	ErrorAlreadyConnected     = "org.freedesktop.Telepathy.Error.AlreadyConnected"
	ErrorConnectionReplaced   = "org.freedesktop.Telepathy.Error.ConnectionReplaced"

	ErrorCertNotProvided         = "org.freedesktop.Telepathy.Error.Cert.NotProvided"
	ErrorCertUntrusted           = "org.freedesktop.Telepathy.Error.Cert.Untrusted"
	ErrorCertExpired             = "org.freedesktop.Telepathy.Error.Cert.Expired"
	ErrorCertNotActivated        = "org.freedesktop.Telepathy.Error.Cert.NotActivated"
	ErrorCertHostnameMismatch    = "org.freedesktop.Telepathy.Error.Cert.HostnameMismatch"
	ErrorCertFingerprintMismatch = "org.freedesktop.Telepathy.Error.Cert.FingerprintMismatch"
	ErrorCertSelfSigned          = "org.freedesktop.Telepathy.Error.Cert.SelfSigned"
	ErrorCertInvalid             = "org.freedesktop.Telepathy.Error.Cert.Invalid"
	ErrorCertRevoked             = "org.freedesktop.Telepathy.Error.Cert.Revoked"
	ErrorCertInsecure            = "org.freedesktop.Telepathy.Error.Cert.Insecure"
	ErrorCertLimitExceeded       = "org.freedesktop.Telepathy.Error.Cert.LimitExceeded"
)

// RemoteError is a failure reported by the remote side or the transport.
// The engine never retries it.
type RemoteError struct {
	// Name is the bus error name.
	Name string `json:"name"`

	// Message is the human-readable message sent with the error.
	Message string `json:"message,omitempty"`
}

// NewRemoteError creates a remote error.
func NewRemoteError(name, message string) *RemoteError {
	return &RemoteError{Name: name, Message: message}
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Is matches another RemoteError with the same name.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return e.Name == t.Name
}

// IsRemote returns true if err wraps a RemoteError.
func IsRemote(err error) bool {
	var e *RemoteError
	return errors.As(err, &e)
}

// ErrorName returns the remote error name carried by err, or "".
func ErrorName(err error) string {
	var e *RemoteError
	if errors.As(err, &e) {
		return e.Name
	}
	return ""
}

// HasErrorName returns true if err wraps a RemoteError with the given name.
func HasErrorName(err error, name string) bool {
	return ErrorName(err) == name
}

// IsNotImplemented reports whether the remote side lacks the called method
// or interface.
func IsNotImplemented(err error) bool {
	switch ErrorName(err) {
	case ErrorNotImplemented, ErrorUnknownMethod, ErrorUnknownInterface:
		return true
	default:
		return false
	}
}

// StatusReasonToErrorName derives an error name for a disconnection that
// did not carry one. oldStatus is the status before the disconnection.
func StatusReasonToErrorName(reason ConnectionStatusReason, oldStatus ConnectionStatus) string {
	switch reason {
	case ReasonNoneSpecified:
		return ErrorDisconnected
	case ReasonRequested:
		return ErrorCancelled
	case ReasonNetworkError:
		return ErrorNetworkError
	case ReasonAuthenticationFailed:
		return ErrorAuthenticationFailed
	case ReasonEncryptionError:
		return ErrorEncryptionError
	case ReasonNameInUse:
		if oldStatus == ConnectionStatusConnecting {
			return ErrorAlreadyConnected
		}
		return ErrorConnectionReplaced
	case ReasonCertNotProvided:
		return ErrorCertNotProvided
	case ReasonCertUntrusted:
		return ErrorCertUntrusted
	case ReasonCertExpired:
		return ErrorCertExpired
	case ReasonCertNotActivated:
		return ErrorCertNotActivated
	case ReasonCertHostnameMismatch:
		return ErrorCertHostnameMismatch
	case ReasonCertFingerprintMismatch:
		return ErrorCertFingerprintMismatch
	case ReasonCertSelfSigned:
		return ErrorCertSelfSigned
	case ReasonCertOtherError:
		return ErrorCertInvalid
	case ReasonCertRevoked:
		return ErrorCertRevoked
	case ReasonCertInsecure:
		return ErrorCertInsecure
	case ReasonCertLimitExceeded:
		return ErrorCertLimitExceeded
	default:
		return ErrorDisconnected
	}
}
