package governor

import (
	"fmt"

	"sage/internal/domain"
)

// InvalidTransitionError is a state machine violation. Code tells callers
// whether another session already handled the item.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	switch e.Code() {
	case "already_reviewed":
		return fmt.Sprintf("%s %s already reviewed (%s)", e.Entity, e.ID, e.From)
	case "expired":
		return fmt.Sprintf("%s %s expired", e.Entity, e.ID)
	case "already_undone":
		return fmt.Sprintf("%s %s already undone", e.Entity, e.ID)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Code() string {
	switch {
	case e.Entity == "proposal" && e.From == string(domain.ProposalExpired):
		return "expired"
	case e.Entity == "proposal" && (e.From == string(domain.ProposalAccepted) || e.From == string(domain.ProposalRejected)):
		return "already_reviewed"
	case e.Entity == "action" && e.From == string(domain.ActionUndone):
		return "already_undone"
	}
	return "invalid_transition"
}

func ensureProposalTransition(id string, from, to domain.ProposalStatus) error {
	if from == domain.ProposalPending {
		switch to {
		case domain.ProposalAccepted, domain.ProposalRejected, domain.ProposalExpired:
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "proposal", ID: id, From: string(from), To: string(to)}
}

func ensureActionTransition(id string, from, to domain.ActionStatus) error {
	if from == domain.ActionApplied && to == domain.ActionUndone {
		return nil
	}
	return &InvalidTransitionError{Entity: "action", ID: id, From: string(from), To: string(to)}
}
