package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAttribute is returned when a rule or constraint names an attribute no household carries.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrMissingAttribute is returned when a household lacks a required attribute.
	ErrMissingAttribute = errors.New("required attribute missing")
	// ErrUnknownReference is returned when a constraint or objective names a variable, label or household that does not exist.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrPartialAttribute is returned when an attribute is carried by some households but not all.
	ErrPartialAttribute = errors.New("attribute missing for some households")
	// ErrDuplicateName is returned when two registered items share a name.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrInvalidBounds is returned when a lower bound exceeds its upper bound.
	ErrInvalidBounds = errors.New("lower bound exceeds upper bound")
	// ErrInvalidValue is returned for NaN, infinite or otherwise out-of-range inputs.
	ErrInvalidValue = errors.New("invalid value")
	// ErrNoRules is returned when a solve is requested before any rule was registered.
	ErrNoRules = errors.New("no rules registered")
	// ErrNoHouseholds is returned when a solve is requested on an empty store.
	ErrNoHouseholds = errors.New("no households")
	// ErrInvalidState is returned when an operation is not allowed in the orchestrator's current state.
	ErrInvalidState = errors.New("invalid state")
)

// ConfigurationError reports a malformed rule, constraint or objective. It is
// raised at registration or pre-solve time and is never retried.
type ConfigurationError struct {
	// Subject names the offending item, for example `rule "income_tax"`.
	Subject string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Subject, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError attributes err to subject.
func NewConfigurationError(subject string, err error) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Err: err}
}

// DataError reports household data that cannot support a registered rule or
// constraint, such as an attribute absent from part of the store.
type DataError struct {
	Household string
	Attribute string
	Err       error
}

func (e *DataError) Error() string {
	switch {
	case e.Household != "" && e.Attribute != "":
		return fmt.Sprintf("data error: household %q attribute %q: %v", e.Household, e.Attribute, e.Err)
	case e.Household != "":
		return fmt.Sprintf("data error: household %q: %v", e.Household, e.Err)
	case e.Attribute != "":
		return fmt.Sprintf("data error: attribute %q: %v", e.Attribute, e.Err)
	default:
		return fmt.Sprintf("data error: %v", e.Err)
	}
}

func (e *DataError) Unwrap() error { return e.Err }

// Diagnosis is implemented by advisory reports that can be attached to an
// InfeasibleError. The calibration report satisfies it.
type Diagnosis interface {
	Summary() string
}

// InfeasibleError is the terminal status of a program without a feasible
// point. It carries the pre-solve calibration numbers for diagnosis.
type InfeasibleError struct {
	Report Diagnosis
	// Detail is the backend's own description, when it gave one.
	Detail string
}

func (e *InfeasibleError) Error() string {
	msg := "program is infeasible"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Report != nil {
		if s := e.Report.Summary(); s != "" {
			msg += " (" + s + ")"
		}
	}
	return msg
}

// SolverError reports a backend failure. Transient failures (license
// unavailable, time limit) may be retried; fatal ones indicate a malformed
// program or a broken backend installation.
type SolverError struct {
	Backend   string
	Transient bool
	Err       error
}

func (e *SolverError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s solver error from %s backend: %v", kind, e.Backend, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsDataError reports whether err wraps a DataError.
func IsDataError(err error) bool {
	var target *DataError
	return errors.As(err, &target)
}

// IsInfeasible reports whether err wraps an InfeasibleError.
func IsInfeasible(err error) bool {
	var target *InfeasibleError
	return errors.As(err, &target)
}

// IsTransient reports whether err wraps a SolverError that is safe to retry.
func IsTransient(err error) bool {
	var target *SolverError
	return errors.As(err, &target) && target.Transient
}
