package service

import (
	"github.com/labledger/labledger/internal/domain"
)

// Lookup errors - use domain.ENOTFOUND
var (
	ErrLaboratoryNotFound   = domain.Errorf(domain.ENOTFOUND, "", "Laboratory not found")
	ErrPlanNotFound         = domain.Errorf(domain.ENOTFOUND, "", "Plan not found")
	ErrSubscriptionNotFound = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrCustomerNotFound     = domain.Errorf(domain.ENOTFOUND, "", "No billing customer on file")
)

// Business-rule errors
var (
	ErrDuplicateSubscription = domain.Errorf(domain.ECONFLICT, "", "Laboratory already has a live subscription")
	ErrLaboratoryInactive    = domain.Errorf(domain.EINVALID, "", "Laboratory is deactivated")
	ErrInvalidTrialDays      = domain.Errorf(domain.EINVALID, "", "Trial days must not be negative")
)

// Processor errors - use domain.EPAYMENT
var (
	ErrProcessorUnavailable = domain.Errorf(domain.EPAYMENT, "", "Payment processor is unavailable, try again later")
)
