package smtp

import (
	"regexp"
	"strconv"
	"strings"
)

// SimulationPhase names the command a simulated reply is meant for.
type SimulationPhase string

// Phases a mailbox can ask a simulated reply for.
const (
	SimulateMail SimulationPhase = "mail"
	SimulateRcpt SimulationPhase = "rcpt"
	SimulateData SimulationPhase = "data"
)

// simulationPattern matches <phase><NNN>@ and <phase><NNN>_<x>.<y>.<z>@.
var simulationPattern = regexp.MustCompile(`^(mail|rcpt|data)(\d{3})(?:_(\d+\.\d+\.\d+))?@`)

// Simulation is a reply a client requested through a mailbox name, such as
// mail550@example.com or rcpt452_4.2.2@example.com.
type Simulation struct {
	Phase    SimulationPhase
	Code     int
	Enhanced string
}

// ParseSimulation reads a simulated reply from mailbox. Matching ignores
// case.
func ParseSimulation(mailbox string) (Simulation, bool) {
	m := simulationPattern.FindStringSubmatch(strings.ToLower(mailbox))
	if m == nil {
		return Simulation{}, false
	}
	code, err := strconv.Atoi(m[2])
	if err != nil {
		return Simulation{}, false
	}
	return Simulation{Phase: SimulationPhase(m[1]), Code: code, Enhanced: m[3]}, true
}

// SimulatedFailure returns the failure mailbox asks for in phase. Requests
// for another phase and non-failure codes are ignored.
func SimulatedFailure(phase SimulationPhase, mailbox string) (Simulation, bool) {
	sim, ok := ParseSimulation(mailbox)
	if !ok || sim.Phase != phase || sim.Code < 400 {
		return Simulation{}, false
	}
	return sim, true
}

// Reply renders the simulation with the standard text for its code.
func (s Simulation) Reply() Reply {
	return NewReply(s.Code, s.Enhanced)
}
