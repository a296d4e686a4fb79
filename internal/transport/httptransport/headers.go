package httptransport

// Auth headers carry the abstract message fields for general requests; the
// handshake itself travels as JSON bodies on the well-known endpoint.
const (
	AuthHeaderPrefix = "x-peergate-auth-"

	HeaderVersion     = AuthHeaderPrefix + "version"
	HeaderMessageType = AuthHeaderPrefix + "message-type"
	HeaderIdentityKey = AuthHeaderPrefix + "identity-key"
	HeaderNonce       = AuthHeaderPrefix + "nonce"
	HeaderYourNonce   = AuthHeaderPrefix + "your-nonce"
	HeaderSignature   = AuthHeaderPrefix + "signature"
)

// Payment headers form the side channel attached to general requests.
const (
	HeaderPayment                 = "x-peergate-payment"
	HeaderPaymentVersion          = "x-peergate-payment-version"
	HeaderPaymentSatoshisRequired = "x-peergate-payment-satoshis-required"
	HeaderPaymentSatoshisPaid     = "x-peergate-payment-satoshis-paid"
	HeaderPaymentDerivationPrefix = "x-peergate-payment-derivation-prefix"
)

// WellKnownAuthPath is where non-general protocol messages are POSTed.
const WellKnownAuthPath = "/.well-known/auth"
