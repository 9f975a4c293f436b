package pipeline

import "fmt"

// Stage is one step of the fixed processing progression. Handlers are
// registered per stage and run in registration order.
type Stage int

const (
	StageReceive Stage = iota
	StageParse
	StageDuplicateCheck
	StageSecurityCheck
	StageValidation
	StageRouting
	StageProcessing
	StageResponse
	StageAudit
	StageComplete
)

// executionOrder is the run sequence up to and excluding AUDIT, which
// runs unconditionally afterwards.
var executionOrder = []Stage{
	StageReceive,
	StageParse,
	StageDuplicateCheck,
	StageSecurityCheck,
	StageValidation,
	StageRouting,
	StageProcessing,
	StageResponse,
}

var stageNames = map[Stage]string{
	StageReceive:        "RECEIVE",
	StageParse:          "PARSE",
	StageDuplicateCheck: "DUPLICATE_CHECK",
	StageSecurityCheck:  "SECURITY_CHECK",
	StageValidation:     "VALIDATION",
	StageRouting:        "ROUTING",
	StageProcessing:     "PROCESSING",
	StageResponse:       "RESPONSE",
	StageAudit:          "AUDIT",
	StageComplete:       "COMPLETE",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}
