package contracts

import "errors"

var (
	ErrInvalidCandidate   = errors.New("contracts: invalid candidate")
	ErrPlanNotRunnable    = errors.New("contracts: plan not runnable")
	ErrPlanInProgress     = errors.New("contracts: plan already executing")
	ErrPlanNotCancellable = errors.New("contracts: plan can no longer be cancelled")
)
