package txn

// ResponseCode is the two-digit ISO action code. "ND" is synthesized
// locally when no response arrives before the deadline; it never
// travels on the wire.
type ResponseCode string

const (
	CodeApproved          ResponseCode = "00"
	CodeDoNotHonor        ResponseCode = "05"
	CodeInvalidTxn        ResponseCode = "12"
	CodeInvalidAmount     ResponseCode = "13"
	CodeInvalidCard       ResponseCode = "14"
	CodeFormatError       ResponseCode = "30"
	CodeInsufficientFunds ResponseCode = "51"
	CodeExpiredCard       ResponseCode = "54"
	CodeInvalidPIN        ResponseCode = "55"
	CodeNotPermitted      ResponseCode = "58"
	CodeLimitExceeded     ResponseCode = "61"
	CodeResponseLate      ResponseCode = "68"
	CodeIssuerInoperative ResponseCode = "91"
	CodeDuplicate         ResponseCode = "94"
	CodeSystemMalfunction ResponseCode = "96"
	CodeNoResponse        ResponseCode = "ND"
)

// Approved reports whether the code is the success code.
func (c ResponseCode) Approved() bool {
	return c == CodeApproved
}

// Retryable reports whether a retry may change the outcome. Declines
// that reflect a decision about the transaction itself are final.
func (c ResponseCode) Retryable() bool {
	switch c {
	case CodeIssuerInoperative, CodeSystemMalfunction, CodeResponseLate, CodeNoResponse:
		return true
	default:
		return false
	}
}

// Description returns the operator-facing meaning of the code.
func (c ResponseCode) Description() string {
	switch c {
	case CodeApproved:
		return "approved"
	case CodeDoNotHonor:
		return "do not honor"
	case CodeInvalidTxn:
		return "invalid transaction"
	case CodeInvalidAmount:
		return "invalid amount"
	case CodeInvalidCard:
		return "invalid card number"
	case CodeFormatError:
		return "format error"
	case CodeInsufficientFunds:
		return "insufficient funds"
	case CodeExpiredCard:
		return "expired card"
	case CodeInvalidPIN:
		return "incorrect PIN"
	case CodeNotPermitted:
		return "transaction not permitted"
	case CodeLimitExceeded:
		return "exceeds withdrawal limit"
	case CodeResponseLate:
		return "response received too late"
	case CodeIssuerInoperative:
		return "issuer or switch inoperative"
	case CodeDuplicate:
		return "duplicate transaction"
	case CodeSystemMalfunction:
		return "system malfunction"
	case CodeNoResponse:
		return "no response from destination"
	default:
		return "unknown response code"
	}
}
