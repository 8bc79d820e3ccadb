package contracts

import "fmt"

// AgentRole is an autonomy role level (R-L0..R-L8, increasing autonomy).
// The role-gate kernel maps each role to a minimum trust tier.
type AgentRole string

const (
	RoleListener            AgentRole = "R_L0"
	RoleResponder           AgentRole = "R_L1"
	RoleTaskExecutor        AgentRole = "R_L2"
	RoleWorkflowManager     AgentRole = "R_L3"
	RoleDomainExpert        AgentRole = "R_L4"
	RoleResourceController  AgentRole = "R_L5"
	RoleSystemAdministrator AgentRole = "R_L6"
	RoleTrustGovernor       AgentRole = "R_L7"
	RoleEcosystemController AgentRole = "R_L8"
)

// AllRoles lists roles in ascending order of autonomy.
var AllRoles = []AgentRole{
	RoleListener,
	RoleResponder,
	RoleTaskExecutor,
	RoleWorkflowManager,
	RoleDomainExpert,
	RoleResourceController,
	RoleSystemAdministrator,
	RoleTrustGovernor,
	RoleEcosystemController,
}

var roleLabels = map[AgentRole]string{
	RoleListener:            "Listener",
	RoleResponder:           "Responder",
	RoleTaskExecutor:        "Task Executor",
	RoleWorkflowManager:     "Workflow Manager",
	RoleDomainExpert:        "Domain Expert",
	RoleResourceController:  "Resource Controller",
	RoleSystemAdministrator: "System Administrator",
	RoleTrustGovernor:       "Trust Governor",
	RoleEcosystemController: "Ecosystem Controller",
}

// Label returns the human-readable role name.
func (r AgentRole) Label() string {
	if l, ok := roleLabels[r]; ok {
		return l
	}
	return "Unknown"
}

// ParseRole validates a wire-format role code.
func ParseRole(s string) (AgentRole, error) {
	r := AgentRole(s)
	if _, ok := roleLabels[r]; !ok {
		return "", fmt.Errorf("unknown agent role %q", s)
	}
	return r, nil
}
