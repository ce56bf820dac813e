package smtp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyntax is returned by Parse for lines that are not a well-formed command.
var ErrSyntax = errors.New("syntax error")

// Parse parses one command line (without the trailing CRLF) into a Command.
// Unknown verbs are returned as Other; malformed arguments to known verbs
// return an error wrapping ErrSyntax.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSyntax)
	}
	verb := strings.ToUpper(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(line[len(parts[0]):])

	switch verb {
	case CmdHELO, CmdEHLO, CmdLHLO:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s needs exactly one argument", ErrSyntax, verb)
		}
		kind := map[string]HeloKind{CmdHELO: HeloHelo, CmdEHLO: HeloEhlo, CmdLHLO: HeloLhlo}[verb]
		return Helo{Kind: kind, Host: ParseHost(args[0])}, nil

	case CmdMAIL, CmdSEND, CmdSAML, CmdSOML:
		path, params, err := parsePathArg(rest, "FROM:")
		if err != nil {
			return nil, err
		}
		kind := map[string]MailKind{CmdMAIL: MailMail, CmdSEND: MailSend, CmdSAML: MailSaml, CmdSOML: MailSoml}[verb]
		return Mail{Kind: kind, Path: path, Params: params}, nil

	case CmdRCPT:
		path, params, err := parsePathArg(rest, "TO:")
		if err != nil {
			return nil, err
		}
		if path.Kind == PathNull {
			return nil, fmt.Errorf("%w: empty forward path", ErrSyntax)
		}
		return Rcpt{Path: path, Params: params}, nil

	case CmdDATA, CmdRSET, CmdQUIT, CmdSTARTTLS, CmdTURN:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrSyntax, verb)
		}
		switch verb {
		case CmdDATA:
			return Data{}, nil
		case CmdRSET:
			return Rset{}, nil
		case CmdQUIT:
			return Quit{}, nil
		case CmdSTARTTLS:
			return StartTLS{}, nil
		default:
			return Turn{}, nil
		}

	case CmdNOOP:
		return Noop{Args: args}, nil
	case CmdHELP:
		return Help{Args: args}, nil
	case CmdVRFY:
		return Vrfy{Arg: rest}, nil
	case CmdEXPN:
		return Expn{Arg: rest}, nil
	default:
		return Other{Name: verb, Args: args}, nil
	}
}

// parsePathArg parses "FROM:<path> params..." or "TO:<path> params...".
// A space between the colon and the path is tolerated.
func parsePathArg(rest, prefix string) (Path, []string, error) {
	if len(rest) < len(prefix) || !strings.EqualFold(rest[:len(prefix)], prefix) {
		return Path{}, nil, fmt.Errorf("%w: expected %s", ErrSyntax, prefix)
	}
	rest = strings.TrimSpace(rest[len(prefix):])

	var raw string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return Path{}, nil, fmt.Errorf("%w: unterminated path", ErrSyntax)
		}
		raw, rest = rest[:end+1], rest[end+1:]
	} else {
		raw, rest, _ = strings.Cut(rest, " ")
	}

	path, err := ParsePath(raw, true)
	if err != nil {
		return Path{}, nil, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	return path, strings.Fields(rest), nil
}
