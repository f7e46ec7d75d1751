package session

// Gate restricts state-mutating commands to the single configured owner.
// It is stateless; the comparison is the whole contract.
type Gate struct {
	owner int64
}

func NewGate(owner int64) Gate { return Gate{owner: owner} }

func (g Gate) Allow(userID int64) bool {
	return g.owner != 0 && userID == g.owner
}
