package crawldomain

import "errors"

// Sentinel errors for the taxonomy in spec §7. Use errors.Is against these;
// wrap with fmt.Errorf("...: %w", ErrX) to attach detail.
var (
	// ErrValidation marks malformed input. Boundary maps this to 400. Never mutates state.
	ErrValidation = errors.New("validation_error")

	// ErrAuthentication marks bad/absent bot credentials or a disabled bot. 401/403.
	ErrAuthentication = errors.New("authentication_error")

	// ErrNotFound marks a resource missing by id. 404.
	ErrNotFound = errors.New("not_found")

	// ErrJobNotLocked means the job is not currently LOCKED (submit on a non-LOCKED job).
	ErrJobNotLocked = errors.New("job_not_locked")

	// ErrLeaseExpired means the job's lease TTL has elapsed; the submit did not apply.
	ErrLeaseExpired = errors.New("lease_expired")

	// ErrNotAssigned means the submitting bot does not own the job's lease.
	ErrNotAssigned = errors.New("not_assigned")

	// ErrIllegalTransition means the requested (from, to) pair is not in the C6 transition table.
	ErrIllegalTransition = errors.New("illegal_transition")

	// ErrAlreadyLeased means try_lease_job lost the race for this job to another caller.
	ErrAlreadyLeased = errors.New("already_leased")

	// ErrTransientStore marks a persistence/cache/queue I/O failure that is safe to retry.
	ErrTransientStore = errors.New("transient_store_error")

	// ErrFatalStore marks an unexpected invariant violation; must be logged with full context.
	ErrFatalStore = errors.New("fatal_store_error")

	// ErrDuplicateHistory is returned by PriceHistoryAppender when the candidate tuple
	// matches the most recently recorded one for the url_hash.
	ErrDuplicateHistory = errors.New("duplicate_history_entry")
)

// StateConflict groups the kinds that are "state conflict" per §7 (JobNotLocked,
// LeaseExpired, NotAssigned, IllegalTransition) for callers that want one check.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrJobNotLocked) ||
		errors.Is(err, ErrLeaseExpired) ||
		errors.Is(err, ErrNotAssigned) ||
		errors.Is(err, ErrIllegalTransition)
}
