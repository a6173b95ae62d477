package taxsolver

import "fmt"

// State is a step of the build-then-solve lifecycle.
type State int

const (
	Empty State = iota
	RulesRegistered
	ConstraintsRegistered
	ObjectiveRegistered
	Solving
	Solved
	Infeasible
	SolverFailed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case RulesRegistered:
		return "RULES_REGISTERED"
	case ConstraintsRegistered:
		return "CONSTRAINTS_REGISTERED"
	case ObjectiveRegistered:
		return "OBJECTIVE_REGISTERED"
	case Solving:
		return "SOLVING"
	case Solved:
		return "SOLVED"
	case Infeasible:
		return "INFEASIBLE"
	case SolverFailed:
		return "SOLVER_FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s ends a solve.
func (s State) Terminal() bool {
	return s == Solved || s == Infeasible || s == SolverFailed
}

// afterRegistration returns the state reached by registering rules or
// constraints in state s. A terminal state drops back to
// ConstraintsRegistered.
func afterRegistration(s, reached State) State {
	switch {
	case s.Terminal():
		return ConstraintsRegistered
	case s < reached:
		return reached
	default:
		return s
	}
}
