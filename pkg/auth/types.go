package auth

// Role names carried in bearer tokens.
const (
	RoleOperator = "operator" // creates and edits cases and submissions
	RoleReporter = "reporter" // dispatches submissions to regulators
	RoleAuditor  = "auditor"  // reads and verifies the ledger
	RoleAdmin    = "admin"
)

// Principal is the interface for any entity making a request (user, service account, system).
type Principal interface {
	GetID() string
	GetOrganizationID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID             string
	OrganizationID string
	Roles          []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetOrganizationID() string {
	return b.OrganizationID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasRole reports whether the principal holds role. Admins hold every role.
func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
