package rbac

type Role string
type Action string

const (
	RoleViewer            Role = "viewer"
	RoleWorker            Role = "worker"
	RoleAuditor           Role = "auditor"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleFactoryAdmin      Role = "factory_admin"
)

const (
	ActionRead     Action = "read"
	ActionSync     Action = "sync"
	ActionDiagnose Action = "diagnose"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleFactoryAdmin:
		return true
	case RoleComplianceOfficer:
		return action == ActionRead || action == ActionSync || action == ActionDiagnose
	case RoleAuditor:
		return action == ActionRead || action == ActionDiagnose
	case RoleWorker:
		return action == ActionRead || action == ActionSync
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleWorker, RoleAuditor, RoleComplianceOfficer, RoleFactoryAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
