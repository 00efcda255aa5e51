// internal/discovery/outcome.go
package discovery

// Outcome is the result of probing one candidate at one speed
type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeBusy
	OutcomeMismatched
	OutcomeNoResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeBusy:
		return "busy"
	case OutcomeMismatched:
		return "mismatched"
	case OutcomeNoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}
