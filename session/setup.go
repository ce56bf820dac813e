package session

import (
	"strconv"

	"samotop/smtp"
)

// Extension setups. Each enables one capability for every session it is
// configured on.
var (
	EnablePipelining = enable(smtp.ExtPipelining)
	EnableEightBit   = enable(smtp.Ext8BitMIME)
	EnableSMTPUTF8   = enable(smtp.ExtSMTPUTF8)
	// EnableEnhancedStatusCodes advertises the RFC 2034 codes every reply carries.
	EnableEnhancedStatusCodes = enable(smtp.ExtEnhancedStatusCodes)

	// EnableStartTLS advertises STARTTLS only on a connection that is still
	// plain and can be upgraded.
	EnableStartTLS Setup = SetupFunc(func(info *SessionInfo) {
		if !info.Connection.Encrypted && info.Connection.CanEncrypt {
			info.Extensions.Enable(smtp.Extension{Code: smtp.ExtStartTLS})
		}
	})
)

// EnableSize advertises SIZE with the given limit in bytes. A zero limit
// advertises SIZE without a value.
func EnableSize(limit int64) Setup {
	return SetupFunc(func(info *SessionInfo) {
		e := smtp.Extension{Code: smtp.ExtSize}
		if limit > 0 {
			e.Params = strconv.FormatInt(limit, 10)
		}
		info.Extensions.Enable(e)
	})
}

func enable(code string) Setup {
	return SetupFunc(func(info *SessionInfo) {
		info.Extensions.Enable(smtp.Extension{Code: code})
	})
}

