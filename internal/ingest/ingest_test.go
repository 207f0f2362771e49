package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, ing Ingester) (*Service, *graph.Store, *storage.Dir, *audit.Log) {
	t.Helper()
	dir, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	auditLog, _ := audit.New(dir, discardLogger())
	g := graph.NewStore()
	return NewService(ing, g, dir, auditLog, discardLogger()), g, dir, auditLog
}

func TestMock_Deterministic(t *testing.T) {
	m := &Mock{}
	n1, e1, err := m.Ingest(context.Background())
	require.NoError(t, err)
	n2, e2, err := m.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Equal(t, e1, e2)
	assert.NotEmpty(t, n1)
}

func TestMock_SeededEscalationPaths(t *testing.T) {
	g := graph.NewStore()
	nodes, edges, err := (&Mock{}).Ingest(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.ReplaceAll(nodes, edges))

	intern, ok := g.GetNode("user:intern_081")
	require.True(t, ok)
	assert.Equal(t, graph.KindUser, intern.Kind)
	assert.LessOrEqual(t, intern.PrivilegeLevel, 40)

	// The chain intern -> MaintenanceRole -> ProdEC2Admin must be walkable.
	assert.True(t, g.HasEdge("user:intern_081", "role:MaintenanceRole"))
	between := g.EdgesBetween("role:MaintenanceRole", "role:ProdEC2Admin")
	require.Len(t, between, 1)
	assert.Equal(t, "iam:PassRole", between[0].Action())

	// The policy-edit path exposes two distinct allows_action edges.
	editEdges := g.EdgesBetween("user:data_lead", "policy:DataScienceCustomPolicy")
	require.Len(t, editEdges, 2)
}

func TestService_RunReplacesAndPersists(t *testing.T) {
	svc, g, dir, auditLog := newTestService(t, &Mock{UsersPerDepartment: 2})

	nodes, edges, err := svc.Run(context.Background(), "tester")
	require.NoError(t, err)
	gotNodes, gotEdges := g.Stats()
	assert.Equal(t, gotNodes, nodes)
	assert.Equal(t, gotEdges, edges)

	var snap graph.Snapshot
	require.NoError(t, dir.LoadJSON(GraphFileName, &snap))
	assert.Len(t, snap.Nodes, nodes)
	assert.Len(t, snap.Edges, edges)

	entries := auditLog.List(audit.Filter{Verb: "ingest_completed"})
	require.Len(t, entries, 1)
	assert.Equal(t, "tester", entries[0].Actor)
}

type failingIngester struct{}

func (failingIngester) Ingest(context.Context) ([]graph.Node, []graph.Edge, error) {
	return nil, nil, assert.AnError
}

func TestService_RunFailureKeepsGraph(t *testing.T) {
	svc, g, _, auditLog := newTestService(t, &Mock{UsersPerDepartment: 1})
	_, _, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	wantNodes, wantEdges := g.Stats()

	failing := NewService(failingIngester{}, g, nil, auditLog, discardLogger())
	_, _, err = failing.Run(context.Background(), "")
	require.Error(t, err)

	nodes, edges := g.Stats()
	assert.Equal(t, wantNodes, nodes)
	assert.Equal(t, wantEdges, edges)
	assert.NotEmpty(t, auditLog.List(audit.Filter{Verb: "ingest_failed"}))
}

func TestService_RestoreSnapshot(t *testing.T) {
	svc, g, dir, auditLog := newTestService(t, &Mock{UsersPerDepartment: 1})
	_, _, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	wantNodes, wantEdges := g.Stats()

	restored := graph.NewStore()
	svc2 := NewService(&Mock{}, restored, dir, auditLog, discardLogger())
	require.NoError(t, svc2.RestoreSnapshot())
	nodes, edges := restored.Stats()
	assert.Equal(t, wantNodes, nodes)
	assert.Equal(t, wantEdges, edges)
}

func TestService_RestoreSnapshotCorrupt(t *testing.T) {
	svc, g, dir, auditLog := newTestService(t, &Mock{})
	require.NoError(t, os.WriteFile(dir.Path(GraphFileName), []byte("{not json"), 0o644))

	require.NoError(t, svc.RestoreSnapshot())
	nodes, _ := g.Stats()
	assert.Zero(t, nodes)
	assert.NotEmpty(t, auditLog.List(audit.Filter{Verb: "persistence_load_failed"}))
}

// fakeIAM serves a small canned account for the AWS ingester.
type fakeIAM struct {
	users        []iamtypes.User
	roles        []iamtypes.Role
	groups       []iamtypes.Group
	groupMembers map[string][]iamtypes.User
	attached     map[string][]iamtypes.AttachedPolicy // keyed by "user/Name" etc.
	policyDocs   map[string]string                    // keyed by policy ARN
}

func (f *fakeIAM) ListUsers(context.Context, *iam.ListUsersInput, ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	return &iam.ListUsersOutput{Users: f.users}, nil
}

func (f *fakeIAM) ListRoles(context.Context, *iam.ListRolesInput, ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	return &iam.ListRolesOutput{Roles: f.roles}, nil
}

func (f *fakeIAM) ListGroups(context.Context, *iam.ListGroupsInput, ...func(*iam.Options)) (*iam.ListGroupsOutput, error) {
	return &iam.ListGroupsOutput{Groups: f.groups}, nil
}

func (f *fakeIAM) GetGroup(_ context.Context, in *iam.GetGroupInput, _ ...func(*iam.Options)) (*iam.GetGroupOutput, error) {
	return &iam.GetGroupOutput{Users: f.groupMembers[aws.ToString(in.GroupName)]}, nil
}

func (f *fakeIAM) ListAttachedUserPolicies(_ context.Context, in *iam.ListAttachedUserPoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	return &iam.ListAttachedUserPoliciesOutput{AttachedPolicies: f.attached["user/"+aws.ToString(in.UserName)]}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.attached["role/"+aws.ToString(in.RoleName)]}, nil
}

func (f *fakeIAM) ListAttachedGroupPolicies(_ context.Context, in *iam.ListAttachedGroupPoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedGroupPoliciesOutput, error) {
	return &iam.ListAttachedGroupPoliciesOutput{AttachedPolicies: f.attached["group/"+aws.ToString(in.GroupName)]}, nil
}

func (f *fakeIAM) GetPolicy(_ context.Context, in *iam.GetPolicyInput, _ ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	return &iam.GetPolicyOutput{Policy: &iamtypes.Policy{
		Arn:              in.PolicyArn,
		DefaultVersionId: aws.String("v1"),
	}}, nil
}

func (f *fakeIAM) GetPolicyVersion(_ context.Context, in *iam.GetPolicyVersionInput, _ ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	doc := f.policyDocs[aws.ToString(in.PolicyArn)]
	return &iam.GetPolicyVersionOutput{PolicyVersion: &iamtypes.PolicyVersion{Document: aws.String(doc)}}, nil
}

func attachedPolicy(name, arn string) iamtypes.AttachedPolicy {
	return iamtypes.AttachedPolicy{PolicyName: aws.String(name), PolicyArn: aws.String(arn)}
}

func fakeAccount() *fakeIAM {
	const acct = "arn:aws:iam::123456789012"
	assumeDoc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"sts:AssumeRole","Resource":"` + acct + `:role/MaintenanceRole"}]}`
	passDoc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["iam:PassRole","ec2:RunInstances"],"Resource":"*"}]}`
	editDoc := `{"Version":"2012-10-17","Statement":{"Effect":"Allow","Action":["iam:CreatePolicyVersion","iam:SetDefaultPolicyVersion"],"Resource":["` + acct + `:policy/TeamAssume","` + acct + `:policy/GhostPolicy"]}}`
	trustDoc := url.QueryEscape(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"` + acct + `:user/intern"},"Action":"sts:AssumeRole"}]}`)

	return &fakeIAM{
		users: []iamtypes.User{
			{UserName: aws.String("intern"), Arn: aws.String(acct + ":user/intern")},
			{UserName: aws.String("analyst"), Arn: aws.String(acct + ":user/analyst")},
		},
		roles: []iamtypes.Role{
			{RoleName: aws.String("MaintenanceRole"), Arn: aws.String(acct + ":role/MaintenanceRole"),
				AssumeRolePolicyDocument: aws.String(trustDoc)},
			{RoleName: aws.String("ProdEC2Admin"), Arn: aws.String(acct + ":role/ProdEC2Admin")},
		},
		groups: []iamtypes.Group{
			{GroupName: aws.String("Engineering"), Arn: aws.String(acct + ":group/Engineering")},
		},
		groupMembers: map[string][]iamtypes.User{
			"Engineering": {{UserName: aws.String("intern")}},
		},
		attached: map[string][]iamtypes.AttachedPolicy{
			"user/intern":           {attachedPolicy("TeamAssume", acct+":policy/TeamAssume")},
			"user/analyst":          {attachedPolicy("PolicyEditor", acct+":policy/PolicyEditor")},
			"role/MaintenanceRole":  {attachedPolicy("EC2Launch", acct+":policy/EC2Launch")},
			"role/ProdEC2Admin":     {attachedPolicy("AdministratorAccess", "arn:aws:iam::aws:policy/AdministratorAccess")},
			"group/Engineering":     {attachedPolicy("PowerUserAccess", "arn:aws:iam::aws:policy/PowerUserAccess")},
		},
		policyDocs: map[string]string{
			acct + ":policy/TeamAssume":                    assumeDoc,
			acct + ":policy/PolicyEditor":                  editDoc,
			acct + ":policy/EC2Launch":                     passDoc,
			"arn:aws:iam::aws:policy/AdministratorAccess":  `{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`,
			"arn:aws:iam::aws:policy/PowerUserAccess":      `{"Statement":[{"Effect":"Allow","Action":"ec2:Describe*","Resource":"*"}]}`,
		},
	}
}

func TestAWS_Ingest(t *testing.T) {
	ing := NewAWSWithClient(fakeAccount(), discardLogger())
	nodes, edges, err := ing.Ingest(context.Background())
	require.NoError(t, err)

	g := graph.NewStore()
	require.NoError(t, g.ReplaceAll(nodes, edges))

	admin, ok := g.GetNode("role:ProdEC2Admin")
	require.True(t, ok)
	assert.Equal(t, 100, admin.PrivilegeLevel)

	maint, ok := g.GetNode("role:MaintenanceRole")
	require.True(t, ok)
	assert.Equal(t, 75, maint.PrivilegeLevel)

	intern, ok := g.GetNode("user:intern")
	require.True(t, ok)
	assert.Equal(t, 40, intern.PrivilegeLevel)

	// Trust document yields the assume pair.
	assertEdgeKinds(t, g, "user:intern", "role:MaintenanceRole",
		graph.EdgeCanAssume, graph.EdgeAllowsAction)
	assertEdgeKinds(t, g, "role:MaintenanceRole", "user:intern", graph.EdgeTrusts)

	// PassRole+RunInstances links the maintenance role to the admin role.
	assertEdgeKinds(t, g, "role:MaintenanceRole", "role:ProdEC2Admin", graph.EdgeAllowsAction)

	// Policy-edit permissions land on the known policy; the reference to the
	// never-attached GhostPolicy is dropped.
	edits := g.EdgesBetween("user:analyst", "policy:TeamAssume")
	assert.Len(t, edits, 2)
	assert.False(t, g.HasNode("policy:GhostPolicy"))

	// Group membership and group policy attachment.
	assertEdgeKinds(t, g, "user:intern", "group:Engineering", graph.EdgeMemberOf)
	assertEdgeKinds(t, g, "group:Engineering", "policy:PowerUserAccess", graph.EdgeHasPolicy)
}

func assertEdgeKinds(t *testing.T, g *graph.Store, src, dst string, kinds ...graph.EdgeKind) {
	t.Helper()
	between := g.EdgesBetween(src, dst)
	got := map[graph.EdgeKind]bool{}
	for _, e := range between {
		got[e.Kind] = true
	}
	for _, k := range kinds {
		assert.Truef(t, got[k], "missing %s edge %s -> %s", k, src, dst)
	}
}

func TestParsePolicyDocument(t *testing.T) {
	doc, err := parsePolicyDocument(url.QueryEscape(`{"Statement":{"Effect":"Allow","Action":"s3:GetObject","Resource":"*"}}`))
	require.NoError(t, err)
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, []string{"s3:GetObject"}, []string(doc.Statement[0].Action))

	_, err = parsePolicyDocument("{broken")
	assert.Error(t, err)

	doc, err = parsePolicyDocument("")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
