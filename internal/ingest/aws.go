package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/pathwarden/pathwarden/internal/graph"
)

// iamReader is the subset of the IAM client the ingester uses.
type iamReader interface {
	ListUsers(ctx context.Context, in *iam.ListUsersInput, opts ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListRoles(ctx context.Context, in *iam.ListRolesInput, opts ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListGroups(ctx context.Context, in *iam.ListGroupsInput, opts ...func(*iam.Options)) (*iam.ListGroupsOutput, error)
	GetGroup(ctx context.Context, in *iam.GetGroupInput, opts ...func(*iam.Options)) (*iam.GetGroupOutput, error)
	ListAttachedUserPolicies(ctx context.Context, in *iam.ListAttachedUserPoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	ListAttachedGroupPolicies(ctx context.Context, in *iam.ListAttachedGroupPoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedGroupPoliciesOutput, error)
	GetPolicy(ctx context.Context, in *iam.GetPolicyInput, opts ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	GetPolicyVersion(ctx context.Context, in *iam.GetPolicyVersionInput, opts ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error)
}

// AWS reads IAM metadata and translates it into graph primitives. Privilege
// levels are heuristic, derived from entity names and attached policies.
type AWS struct {
	client iamReader
	logger *slog.Logger

	policyCache map[string]*policyDocument
}

// NewAWS builds the ingester from the ambient AWS credential chain.
func NewAWS(ctx context.Context, region string, logger *slog.Logger) (*AWS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &AWS{
		client:      iam.NewFromConfig(cfg),
		logger:      logger.With("component", "ingest.AWS"),
		policyCache: make(map[string]*policyDocument),
	}, nil
}

// NewAWSWithClient injects a client, for tests.
func NewAWSWithClient(client iamReader, logger *slog.Logger) *AWS {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWS{
		client:      client,
		logger:      logger.With("component", "ingest.AWS"),
		policyCache: make(map[string]*policyDocument),
	}
}

// builder accumulates primitives and drops edges whose endpoints were never
// discovered, so the graph store's referential check always passes.
type builder struct {
	nodes map[string]graph.Node
	edges []graph.Edge

	// passRole holds entities whose policies combine iam:PassRole with
	// ec2:RunInstances; they are linked to privileged roles only after every
	// role has been discovered.
	passRole map[string]bool
}

func newBuilder() *builder {
	return &builder{
		nodes:    make(map[string]graph.Node),
		passRole: make(map[string]bool),
	}
}

func (b *builder) node(n graph.Node) {
	if existing, ok := b.nodes[n.ID]; ok && existing.PrivilegeLevel >= n.PrivilegeLevel {
		return
	}
	b.nodes[n.ID] = n
}

func (b *builder) edge(src, dst string, kind graph.EdgeKind, attrs map[string]string) {
	b.edges = append(b.edges, graph.Edge{Source: src, Target: dst, Kind: kind, Attrs: attrs})
}

func (b *builder) build() ([]graph.Node, []graph.Edge) {
	// PassRole plus RunInstances lets the holder launch compute under any
	// privileged role it can pass.
	for entityID := range b.passRole {
		for id, n := range b.nodes {
			if n.Kind != graph.KindRole || id == entityID {
				continue
			}
			if strings.Contains(n.Name, "EC2") || strings.Contains(n.Name, "Admin") {
				b.edge(entityID, id, graph.EdgeAllowsAction,
					map[string]string{graph.AttrAction: "iam:PassRole"})
			}
		}
	}

	nodes := make([]graph.Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	var edges []graph.Edge
	for _, e := range b.edges {
		if _, ok := b.nodes[e.Source]; !ok {
			continue
		}
		if _, ok := b.nodes[e.Target]; !ok {
			continue
		}
		edges = append(edges, e)
	}
	return nodes, edges
}

// Ingest implements Ingester.
func (a *AWS) Ingest(ctx context.Context) ([]graph.Node, []graph.Edge, error) {
	b := newBuilder()

	if err := a.ingestUsers(ctx, b); err != nil {
		return nil, nil, err
	}
	if err := a.ingestRoles(ctx, b); err != nil {
		return nil, nil, err
	}
	if err := a.ingestGroups(ctx, b); err != nil {
		return nil, nil, err
	}

	nodes, edges := b.build()
	a.logger.Info("IAM ingest assembled", "nodes", len(nodes), "edges", len(edges))
	return nodes, edges, nil
}

func (a *AWS) ingestUsers(ctx context.Context, b *builder) error {
	var marker *string
	for {
		out, err := a.client.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range out.Users {
			name := aws.ToString(u.UserName)
			userID := "user:" + name

			attached, err := a.client.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{
				UserName: u.UserName,
			})
			if err != nil {
				a.logger.Warn("failed to list user policies", "user", name, "error", err)
				attached = &iam.ListAttachedUserPoliciesOutput{}
			}

			priv := 10
			for _, p := range attached.AttachedPolicies {
				priv = maxInt(priv, userPolicyPrivilege(aws.ToString(p.PolicyName)))
			}
			b.node(graph.Node{ID: userID, Kind: graph.KindUser, Name: name, PrivilegeLevel: priv,
				Attrs: map[string]string{"arn": aws.ToString(u.Arn)}})

			for _, p := range attached.AttachedPolicies {
				policyName := aws.ToString(p.PolicyName)
				policyArn := aws.ToString(p.PolicyArn)
				b.node(graph.Node{ID: "policy:" + policyName, Kind: graph.KindPolicy, Name: policyName,
					PrivilegeLevel: policyPrivilege(policyArn), Attrs: map[string]string{"arn": policyArn}})
				b.edge(userID, "policy:"+policyName, graph.EdgeHasPolicy, nil)
				a.applyPolicyEdges(ctx, b, userID, policyArn)
			}
		}
		if !out.IsTruncated {
			return nil
		}
		marker = out.Marker
	}
}

func (a *AWS) ingestRoles(ctx context.Context, b *builder) error {
	var marker *string
	for {
		out, err := a.client.ListRoles(ctx, &iam.ListRolesInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("failed to list roles: %w", err)
		}
		for _, r := range out.Roles {
			name := aws.ToString(r.RoleName)
			roleID := "role:" + name

			attached, err := a.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
				RoleName: r.RoleName,
			})
			if err != nil {
				a.logger.Warn("failed to list role policies", "role", name, "error", err)
				attached = &iam.ListAttachedRolePoliciesOutput{}
			}

			priv := rolePrivilege(name)
			for _, p := range attached.AttachedPolicies {
				priv = maxInt(priv, rolePolicyPrivilege(aws.ToString(p.PolicyName)))
			}
			b.node(graph.Node{ID: roleID, Kind: graph.KindRole, Name: name, PrivilegeLevel: priv,
				Attrs: map[string]string{"arn": aws.ToString(r.Arn)}})

			for _, p := range attached.AttachedPolicies {
				policyName := aws.ToString(p.PolicyName)
				policyArn := aws.ToString(p.PolicyArn)
				b.node(graph.Node{ID: "policy:" + policyName, Kind: graph.KindPolicy, Name: policyName,
					PrivilegeLevel: policyPrivilege(policyArn), Attrs: map[string]string{"arn": policyArn}})
				b.edge(roleID, "policy:"+policyName, graph.EdgeHasPolicy, nil)
				a.applyPolicyEdges(ctx, b, roleID, policyArn)
			}

			a.ingestRoleTrust(b, roleID, aws.ToString(r.AssumeRolePolicyDocument))
		}
		if !out.IsTruncated {
			return nil
		}
		marker = out.Marker
	}
}

func (a *AWS) ingestGroups(ctx context.Context, b *builder) error {
	var marker *string
	for {
		out, err := a.client.ListGroups(ctx, &iam.ListGroupsInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}
		for _, g := range out.Groups {
			name := aws.ToString(g.GroupName)
			groupID := "group:" + name
			b.node(graph.Node{ID: groupID, Kind: graph.KindGroup, Name: name, PrivilegeLevel: 30,
				Attrs: map[string]string{"arn": aws.ToString(g.Arn)}})

			attached, err := a.client.ListAttachedGroupPolicies(ctx, &iam.ListAttachedGroupPoliciesInput{
				GroupName: g.GroupName,
			})
			if err == nil {
				for _, p := range attached.AttachedPolicies {
					policyName := aws.ToString(p.PolicyName)
					policyArn := aws.ToString(p.PolicyArn)
					b.node(graph.Node{ID: "policy:" + policyName, Kind: graph.KindPolicy, Name: policyName,
						PrivilegeLevel: policyPrivilege(policyArn), Attrs: map[string]string{"arn": policyArn}})
					b.edge(groupID, "policy:"+policyName, graph.EdgeHasPolicy, nil)
				}
			}

			members, err := a.client.GetGroup(ctx, &iam.GetGroupInput{GroupName: g.GroupName})
			if err != nil {
				a.logger.Warn("failed to get group members", "group", name, "error", err)
				continue
			}
			for _, u := range members.Users {
				b.edge("user:"+aws.ToString(u.UserName), groupID, graph.EdgeMemberOf, nil)
			}
		}
		if !out.IsTruncated {
			return nil
		}
		marker = out.Marker
	}
}

// ingestRoleTrust parses the role's assume-role document into can_assume and
// trusts edges.
func (a *AWS) ingestRoleTrust(b *builder, roleID, rawDoc string) {
	doc, err := parsePolicyDocument(rawDoc)
	if err != nil || doc == nil {
		return
	}
	for _, stmt := range doc.Statement {
		if stmt.Effect != "Allow" {
			continue
		}
		for _, principal := range stmt.Principal.AWS {
			var principalID string
			switch {
			case strings.Contains(principal, ":user/"):
				principalID = "user:" + lastSegment(principal)
			case strings.Contains(principal, ":role/"):
				principalID = "role:" + lastSegment(principal)
			default:
				continue
			}
			b.edge(principalID, roleID, graph.EdgeCanAssume, nil)
			b.edge(roleID, principalID, graph.EdgeTrusts, nil)
		}
	}
}

// applyPolicyEdges fetches the default policy version and derives escalation
// edges: sts:AssumeRole over role resources, policy-edit permissions over
// policy resources, and PassRole toward admin roles.
func (a *AWS) applyPolicyEdges(ctx context.Context, b *builder, entityID, policyArn string) {
	if strings.Contains(policyArn, ":policy/aws-service-role/") {
		return
	}

	doc, ok := a.policyCache[policyArn]
	if !ok {
		var err error
		doc, err = a.fetchPolicyDocument(ctx, policyArn)
		if err != nil {
			a.logger.Warn("failed to parse policy", "policy", policyArn, "error", err)
			return
		}
		a.policyCache[policyArn] = doc
	}
	if doc == nil {
		return
	}

	for _, stmt := range doc.Statement {
		if stmt.Effect != "Allow" {
			continue
		}
		actions := lowerAll(stmt.Action)

		if containsAny(actions, "sts:assumerole", "sts:*", "*") {
			for _, res := range stmt.Resource {
				if strings.Contains(res, ":role/") {
					roleName := strings.TrimSuffix(lastSegment(res), "*")
					if roleName != "" {
						b.edge(entityID, "role:"+roleName, graph.EdgeAllowsAction,
							map[string]string{graph.AttrAction: "sts:AssumeRole"})
					}
				}
			}
		}

		for _, action := range []string{"iam:createpolicyversion", "iam:setdefaultpolicyversion"} {
			if !containsAny(actions, action, "iam:*", "*") {
				continue
			}
			canonical := "iam:CreatePolicyVersion"
			if action == "iam:setdefaultpolicyversion" {
				canonical = "iam:SetDefaultPolicyVersion"
			}
			for _, res := range stmt.Resource {
				if strings.Contains(res, ":policy/") {
					policyName := strings.TrimSuffix(lastSegment(res), "*")
					if policyName != "" {
						b.edge(entityID, "policy:"+policyName, graph.EdgeAllowsAction,
							map[string]string{graph.AttrAction: canonical})
					}
				}
			}
		}

		if containsAny(actions, "iam:passrole", "iam:*", "*") &&
			containsAny(actions, "ec2:runinstances", "ec2:*", "*") {
			b.passRole[entityID] = true
		}
	}
}

func (a *AWS) fetchPolicyDocument(ctx context.Context, policyArn string) (*policyDocument, error) {
	policy, err := a.client.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyArn)})
	if err != nil {
		return nil, err
	}
	version, err := a.client.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(policyArn),
		VersionId: policy.Policy.DefaultVersionId,
	})
	if err != nil {
		return nil, err
	}
	return parsePolicyDocument(aws.ToString(version.PolicyVersion.Document))
}

// policyDocument is a tolerant model of an IAM policy document. Statement,
// Action, Resource and Principal.AWS may each be a single value or a list.
type policyDocument struct {
	Statement statementList `json:"Statement"`
}

type statement struct {
	Effect    string     `json:"Effect"`
	Action    stringList `json:"Action"`
	Resource  stringList `json:"Resource"`
	Principal principal  `json:"Principal"`
}

type principal struct {
	AWS     stringList `json:"AWS"`
	Service stringList `json:"Service"`
}

type statementList []statement

func (s *statementList) UnmarshalJSON(b []byte) error {
	var many []statement
	if err := json.Unmarshal(b, &many); err == nil {
		*s = many
		return nil
	}
	var one statement
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = statementList{one}
	return nil
}

type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*s = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = stringList{one}
	return nil
}

// parsePolicyDocument handles the URL-encoded JSON the IAM API returns.
func parsePolicyDocument(raw string) (*policyDocument, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.Contains(raw, "%") {
		decoded, err := url.QueryUnescape(raw)
		if err == nil {
			raw = decoded
		}
	}
	doc := &policyDocument{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("malformed policy document: %w", err)
	}
	return doc, nil
}

func lastSegment(arn string) string {
	parts := strings.Split(arn, "/")
	return parts[len(parts)-1]
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func containsAny(haystack []string, needles ...string) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if h == n {
				return true
			}
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Name-based privilege heuristics, coarse by design.

func userPolicyPrivilege(policyName string) int {
	switch {
	case strings.Contains(policyName, "Admin"), strings.Contains(policyName, "FullAccess"):
		return 90
	case strings.Contains(policyName, "PowerUser"):
		return 70
	case strings.Contains(policyName, "ReadOnly"):
		return 20
	default:
		return 40
	}
}

func rolePrivilege(roleName string) int {
	name := strings.ToLower(roleName)
	switch {
	case strings.Contains(name, "admin"), strings.Contains(name, "root"), strings.Contains(name, "super"):
		return 95
	case strings.Contains(name, "power"), strings.Contains(name, "engineer"),
		strings.Contains(name, "production"), strings.Contains(name, "maintenance"):
		return 75
	case strings.Contains(name, "billing"), strings.Contains(name, "security"), strings.Contains(name, "auditor"):
		return 65
	case strings.Contains(name, "readonly"), strings.Contains(name, "viewer"):
		return 25
	case strings.Contains(name, "ec2"):
		return 50
	default:
		return 20
	}
}

func rolePolicyPrivilege(policyName string) int {
	switch {
	case strings.Contains(policyName, "AdministratorAccess"):
		return 100
	case strings.Contains(policyName, "IAMFullAccess"), strings.Contains(policyName, "IAMManagement"):
		return 90
	case strings.Contains(policyName, "PowerUserAccess"):
		return 85
	case strings.Contains(policyName, "FullAccess"):
		return 75
	default:
		return 0
	}
}

func policyPrivilege(policyArn string) int {
	switch {
	case strings.Contains(policyArn, "AdministratorAccess"):
		return 100
	case strings.Contains(policyArn, "PowerUserAccess"):
		return 80
	case strings.Contains(policyArn, "ReadOnlyAccess"):
		return 20
	case strings.Contains(policyArn, "FullAccess"):
		return 70
	default:
		return 40
	}
}
