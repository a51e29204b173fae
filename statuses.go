package procession

import (
	"errors"
	"fmt"
)

// ProcessStatus is the lifecycle status of a process.
type ProcessStatus int

const (
	StatusNotStarted ProcessStatus = iota
	StatusExecuting
	StatusExecuted
	StatusCompensating
	StatusCompensated
	StatusAborted
)

func ProcessStatusValues() []string {
	return []string{
		"NotStarted",
		"Executing",
		"Executed",
		"Compensating",
		"Compensated",
		"Aborted",
	}
}

func (s ProcessStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusExecuting:
		return "Executing"
	case StatusExecuted:
		return "Executed"
	case StatusCompensating:
		return "Compensating"
	case StatusCompensated:
		return "Compensated"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further forward or compensating steps occur.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusCompensated, StatusAborted:
		return true
	default:
		return false
	}
}

var ErrUnknownStatus = errors.New("unknown process status")

func ParseProcessStatus(s string) (ProcessStatus, error) {
	for i, name := range ProcessStatusValues() {
		if name == s {
			return ProcessStatus(i), nil
		}
	}
	return StatusNotStarted, errors.Join(ErrUnknownStatus, fmt.Errorf("%q", s))
}

type trigger string

const (
	triggerExecute     trigger = "Execute"
	triggerComplete    trigger = "Complete"
	triggerCompensate  trigger = "Compensate"
	triggerCompensated trigger = "Compensated"
	triggerAbort       trigger = "Abort"
)
