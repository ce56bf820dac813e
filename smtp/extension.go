package smtp

import "strings"

// Extension keywords understood by the engine.
const (
	ExtStartTLS            = "STARTTLS"
	ExtPipelining          = "PIPELINING"
	Ext8BitMIME            = "8BITMIME"
	ExtSMTPUTF8            = "SMTPUTF8"
	ExtEnhancedStatusCodes = "ENHANCEDSTATUSCODES"
	ExtAuth                = "AUTH"
	ExtSize                = "SIZE"
)

// Extension is one EHLO capability line: a keyword and optional parameters.
type Extension struct {
	Code   string
	Params string
}

// String formats the extension as advertised in EHLO.
func (e Extension) String() string {
	if e.Params == "" {
		return e.Code
	}
	return e.Code + " " + e.Params
}

// ExtensionSet is an ordered set of extensions keyed by keyword. Extensions are
// listed in the order they were first enabled.
type ExtensionSet struct {
	items []Extension
}

// NewExtensionSet returns a set holding exts in order.
func NewExtensionSet(exts ...Extension) *ExtensionSet {
	s := &ExtensionSet{}
	for _, e := range exts {
		s.Enable(e)
	}
	return s
}

// Enable adds e and reports whether it was new. Enabling a keyword that is
// already present replaces its parameters but keeps its position.
func (s *ExtensionSet) Enable(e Extension) bool {
	e.Code = strings.ToUpper(e.Code)
	for i := range s.items {
		if s.items[i].Code == e.Code {
			s.items[i].Params = e.Params
			return false
		}
	}
	s.items = append(s.items, e)
	return true
}

// Contains reports whether the keyword is enabled.
func (s *ExtensionSet) Contains(code string) bool {
	_, ok := s.Get(code)
	return ok
}

// Get returns the extension for a keyword.
func (s *ExtensionSet) Get(code string) (Extension, bool) {
	if s == nil {
		return Extension{}, false
	}
	for _, e := range s.items {
		if strings.EqualFold(e.Code, code) {
			return e, true
		}
	}
	return Extension{}, false
}

// List returns a copy of the extensions in enable order.
func (s *ExtensionSet) List() []Extension {
	if s == nil {
		return nil
	}
	out := make([]Extension, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of enabled extensions.
func (s *ExtensionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// ParseEhloLines builds a set from the lines of a 250 EHLO reply. The first
// line is the server greeting and is skipped.
func ParseEhloLines(lines []string) *ExtensionSet {
	s := &ExtensionSet{}
	for i, line := range lines {
		if i == 0 {
			continue
		}
		code, params, _ := strings.Cut(strings.TrimSpace(line), " ")
		if code == "" {
			continue
		}
		s.Enable(Extension{Code: code, Params: strings.TrimSpace(params)})
	}
	return s
}
