package auth

// Wire-level rejection codes. Several internal failure kinds collapse into
// one wire code so a rejection never reveals which specific check failed.
const (
	CodeAuthRequired        = "ERR_AUTH_REQUIRED"
	CodeAuthInvalid         = "ERR_AUTH_INVALID"
	CodePaymentRequired     = "ERR_PAYMENT_REQUIRED"
	CodeMalformedPayment    = "ERR_MALFORMED_PAYMENT"
	CodeInvalidPrefix       = "ERR_INVALID_DERIVATION_PREFIX"
	CodePaymentInternal     = "ERR_PAYMENT_INTERNAL"
	CodeServerMisconfigured = "ERR_SERVER_MISCONFIGURED"
	CodeMalformed           = "ERR_MALFORMED_MESSAGE"
)

// ProtocolError is a structured, recoverable rejection. The engine never
// terminates the process; adapters translate Code and Status into a
// transport-level response.
type ProtocolError struct {
	Code   string
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

var (
	ErrReplayedNonce      = &ProtocolError{Code: CodeAuthInvalid, Status: 401, Reason: "nonce already consumed"}
	ErrSignatureInvalid   = &ProtocolError{Code: CodeAuthInvalid, Status: 401, Reason: "signature verification failed"}
	ErrBindingMismatch    = &ProtocolError{Code: CodeAuthInvalid, Status: 401, Reason: "nonce binding mismatch"}
	ErrSessionNotFound    = &ProtocolError{Code: CodeAuthRequired, Status: 401, Reason: "no authenticated session"}
	ErrSessionExpired     = &ProtocolError{Code: CodeAuthRequired, Status: 401, Reason: "session expired"}
	ErrCertificateInvalid = &ProtocolError{Code: CodeAuthInvalid, Status: 401, Reason: "certificate rejected"}
	ErrProtocolMalformed  = &ProtocolError{Code: CodeMalformed, Status: 400, Reason: "missing or unparseable field"}

	ErrPaymentRejected     = &ProtocolError{Code: CodePaymentInternal, Status: 400, Reason: "payment rejected by wallet"}
	ErrPaymentInsufficient = &ProtocolError{Code: CodePaymentRequired, Status: 402, Reason: "confirmed amount below required price"}
	ErrMalformedPayment    = &ProtocolError{Code: CodeMalformedPayment, Status: 400, Reason: "payment data is not valid"}
	ErrInvalidPrefix       = &ProtocolError{Code: CodeInvalidPrefix, Status: 400, Reason: "derivation prefix is not valid"}

	ErrServerMisconfigured = &ProtocolError{Code: CodeServerMisconfigured, Status: 500, Reason: "middleware misconfigured"}
)
