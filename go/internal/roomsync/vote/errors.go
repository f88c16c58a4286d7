package vote

import "errors"

var (
	// ErrAlreadyVoted is an expected domain outcome, not a failure: the
	// participant has already responded to this activity. Callers use it
	// to drive the "show results" path.
	ErrAlreadyVoted = errors.New("vote: already voted")

	// ErrVotingLocked indicates the activity is live but no longer
	// accepting responses. Terminal, user-facing.
	ErrVotingLocked = errors.New("vote: voting locked")

	// ErrNotAccepting indicates the activity is not the room's live
	// activity. Callers resolve against fresh data before retrying.
	ErrNotAccepting = errors.New("vote: activity not accepting votes")

	// ErrUnknownOption indicates the option does not belong to the
	// activity being voted on.
	ErrUnknownOption = errors.New("vote: option does not belong to activity")
)
