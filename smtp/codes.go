package smtp

// Reply codes used across the module.
const (
	Code220 = 220
	Code221 = 221
	Code235 = 235
	Code250 = 250
	Code251 = 251
	Code252 = 252
	Code334 = 334
	Code354 = 354
	Code421 = 421
	Code450 = 450
	Code451 = 451
	Code452 = 452
	Code454 = 454
	Code500 = 500
	Code501 = 501
	Code502 = 502
	Code503 = 503
	Code504 = 504
	Code521 = 521
	Code530 = 530
	Code535 = 535
	Code550 = 550
	Code551 = 551
	Code552 = 552
	Code553 = 553
	Code554 = 554
	Code555 = 555
)

// standardText holds the RFC 5321 wording for the failure codes.
var standardText = map[int]string{
	Code421: "Service not available, closing transmission channel",
	Code450: "Requested mail action not taken: mailbox unavailable",
	Code451: "Requested action aborted: local error in processing",
	Code452: "Requested action not taken: insufficient system storage",
	Code454: "TLS not available due to temporary reason",
	Code500: "Syntax error, command unrecognized", //nolint:misspell // RFC 5321 wording
	Code501: "Syntax error in parameters or arguments",
	Code502: "Command not implemented",
	Code503: "Bad sequence of commands",
	Code504: "Command parameter not implemented",
	Code521: "Machine does not accept mail",
	Code530: "Authentication required",
	Code535: "Authentication failed",
	Code550: "Requested action not taken: mailbox unavailable",
	Code551: "User not local; please try forward path",
	Code552: "Requested mail action aborted: exceeded storage allocation",
	Code553: "Requested action not taken: mailbox name not allowed",
	Code554: "Transaction failed",
	Code555: "MAIL FROM/RCPT TO parameters not recognised or not implemented",
}

// GetErrorMessage returns the standard text for code, or "Unknown error".
func GetErrorMessage(code int) string {
	if msg, ok := standardText[code]; ok {
		return msg
	}
	return "Unknown error"
}
