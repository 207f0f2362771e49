package ingest

import (
	"context"
	"fmt"

	"github.com/pathwarden/pathwarden/internal/graph"
)

// Mock generates a deterministic IAM dataset for development and testing:
// a benign population of department users plus seeded escalation paths (an
// intern with a PassRole chain to a production admin role, and a data lead
// who can edit the policy governing an analytics admin role).
type Mock struct {
	// UsersPerDepartment controls population size; zero selects the default.
	UsersPerDepartment int
}

type mockGroup struct {
	name       string
	policy     string
	userPriv   int
	policyPriv int
}

var mockGroups = []mockGroup{
	{"Engineering", "PowerUserAccess", 35, 80},
	{"DataScience", "AmazonS3FullAccess", 35, 70},
	{"Finance", "Billing", 30, 60},
	{"HR", "ReadOnlyAccess", 20, 20},
	{"Interns", "ReadOnlyAccess", 10, 20},
	{"Contractors", "RestrictedContractorPolicy", 15, 30},
}

// Ingest implements Ingester. The output is identical on every call.
func (m *Mock) Ingest(ctx context.Context) ([]graph.Node, []graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	perDept := m.UsersPerDepartment
	if perDept <= 0 {
		perDept = 4
	}

	var nodes []graph.Node
	var edges []graph.Edge
	addNode := func(n graph.Node) { nodes = append(nodes, n) }
	addEdge := func(src, dst string, kind graph.EdgeKind, attrs map[string]string) {
		edges = append(edges, graph.Edge{Source: src, Target: dst, Kind: kind, Attrs: attrs})
	}

	// Departments, their shared policies, and a benign user population.
	seen := map[string]bool{}
	for _, g := range mockGroups {
		groupID := "group:" + g.name
		policyID := "policy:" + g.policy
		addNode(graph.Node{ID: groupID, Kind: graph.KindGroup, Name: g.name, PrivilegeLevel: g.userPriv})
		if !seen[policyID] {
			seen[policyID] = true
			addNode(graph.Node{ID: policyID, Kind: graph.KindPolicy, Name: g.policy, PrivilegeLevel: g.policyPriv})
		}
		addEdge(groupID, policyID, graph.EdgeHasPolicy, nil)

		for i := 1; i <= perDept; i++ {
			userID := fmt.Sprintf("user:%s_%02d", g.name, i)
			addNode(graph.Node{ID: userID, Kind: graph.KindUser, Name: fmt.Sprintf("%s_%02d", g.name, i), PrivilegeLevel: g.userPriv})
			addEdge(userID, groupID, graph.EdgeMemberOf, nil)
		}
	}

	// Escalation path: intern -> MaintenanceRole -> (PassRole) -> ProdEC2Admin.
	addNode(graph.Node{ID: "user:intern_081", Kind: graph.KindUser, Name: "intern_081", PrivilegeLevel: 10,
		Attrs: map[string]string{"department": "interns"}})
	addNode(graph.Node{ID: "role:MaintenanceRole", Kind: graph.KindRole, Name: "MaintenanceRole", PrivilegeLevel: 60})
	addNode(graph.Node{ID: "role:ProdEC2Admin", Kind: graph.KindRole, Name: "ProdEC2Admin", PrivilegeLevel: 100})
	addNode(graph.Node{ID: "resource:prod-ec2", Kind: graph.KindResource, Name: "prod-ec2", PrivilegeLevel: 0})
	addEdge("user:intern_081", "group:Interns", graph.EdgeMemberOf, nil)
	addEdge("user:intern_081", "role:MaintenanceRole", graph.EdgeCanAssume, nil)
	addEdge("role:MaintenanceRole", "user:intern_081", graph.EdgeTrusts, nil)
	addEdge("role:MaintenanceRole", "role:ProdEC2Admin", graph.EdgeAllowsAction,
		map[string]string{graph.AttrAction: "iam:PassRole"})
	addEdge("role:ProdEC2Admin", "resource:prod-ec2", graph.EdgeOwns, nil)

	// Escalation path: data_lead can edit the policy behind AnalyticsAdmin.
	addNode(graph.Node{ID: "user:data_lead", Kind: graph.KindUser, Name: "data_lead", PrivilegeLevel: 50,
		Attrs: map[string]string{"department": "data_science"}})
	addNode(graph.Node{ID: "policy:DataScienceCustomPolicy", Kind: graph.KindPolicy, Name: "DataScienceCustomPolicy", PrivilegeLevel: 50})
	addNode(graph.Node{ID: "role:AnalyticsAdmin", Kind: graph.KindRole, Name: "AnalyticsAdmin", PrivilegeLevel: 95})
	addEdge("user:data_lead", "group:DataScience", graph.EdgeMemberOf, nil)
	addEdge("user:data_lead", "policy:DataScienceCustomPolicy", graph.EdgeAllowsAction,
		map[string]string{graph.AttrAction: "iam:CreatePolicyVersion"})
	addEdge("user:data_lead", "policy:DataScienceCustomPolicy", graph.EdgeAllowsAction,
		map[string]string{graph.AttrAction: "iam:SetDefaultPolicyVersion"})
	addEdge("policy:DataScienceCustomPolicy", "role:AnalyticsAdmin", graph.EdgeHasPolicy, nil)

	// Over-trusting vendor role: any external principal may assume it.
	addNode(graph.Node{ID: "user:vendor_auditor", Kind: graph.KindUser, Name: "vendor_auditor", PrivilegeLevel: 15,
		Attrs: map[string]string{"account": "999999999999"}})
	addNode(graph.Node{ID: "role:VendorAuditRole", Kind: graph.KindRole, Name: "VendorAuditRole", PrivilegeLevel: 60})
	addNode(graph.Node{ID: "policy:SecurityAudit", Kind: graph.KindPolicy, Name: "SecurityAudit", PrivilegeLevel: 65})
	addEdge("user:vendor_auditor", "role:VendorAuditRole", graph.EdgeCanAssume, nil)
	addEdge("role:VendorAuditRole", "policy:SecurityAudit", graph.EdgeHasPolicy, nil)

	// Administrative targets own a few shared resources.
	addNode(graph.Node{ID: "policy:AdministratorAccess", Kind: graph.KindPolicy, Name: "AdministratorAccess", PrivilegeLevel: 100})
	addNode(graph.Node{ID: "resource:data-lake", Kind: graph.KindResource, Name: "data-lake", PrivilegeLevel: 0})
	addEdge("role:ProdEC2Admin", "policy:AdministratorAccess", graph.EdgeHasPolicy, nil)
	addEdge("role:AnalyticsAdmin", "resource:data-lake", graph.EdgeOwns, nil)

	return nodes, edges, nil
}
