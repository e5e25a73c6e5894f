// Package workflow validates workflow definitions and turns them into an
// execution plan: a fixed topological order plus the connection index the
// engine uses to resolve node inputs.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/artpar/hostd/internal/core/domain"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Plan is a validated workflow definition with a precomputed execution order.
// Node positions in Order double as indexes into a run's node entries.
type Plan struct {
	Definition domain.WorkflowDefinition
	Order      []string

	index    map[string]int
	nodes    map[string]domain.WorkflowNode
	incoming map[string][]domain.Connection
}

// Compile validates def and computes its execution order. Any structural
// problem, a cycle included, is reported as a *domain.ValidationError.
//
// Ties in the order are broken by declaration order, so the same definition
// always yields the same plan.
//
// Example:
//
//	// nodes declared build, lint, test, deploy
//	// edges build -> test -> deploy, lint -> deploy
//	plan, _ := Compile(def)
//	plan.Order // [build lint test deploy]
func Compile(def domain.WorkflowDefinition) (*Plan, error) {
	if len(def.Nodes) == 0 {
		return nil, domain.NewValidationError("nodes", "workflow has no nodes")
	}

	nodes := make(map[string]domain.WorkflowNode, len(def.Nodes))
	position := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if err := validateNode(n); err != nil {
			return nil, err
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, domain.NewValidationError("nodes", fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodes[n.ID] = n
		position[n.ID] = i
	}

	incoming := make(map[string][]domain.Connection)
	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(nodes))
	fed := make(map[string]bool)
	seenEdge := make(map[[2]string]bool)

	for _, c := range def.Connections {
		if err := validateConnection(c, nodes); err != nil {
			return nil, err
		}
		target := c.ToNode + "." + c.ToPort
		if fed[target] {
			return nil, domain.NewValidationError("connections", fmt.Sprintf("input %s has more than one source", target))
		}
		fed[target] = true
		incoming[c.ToNode] = append(incoming[c.ToNode], c)

		edge := [2]string{c.FromNode, c.ToNode}
		if !seenEdge[edge] {
			seenEdge[edge] = true
			dependents[c.FromNode] = append(dependents[c.FromNode], c.ToNode)
			inDegree[c.ToNode]++
		}
	}

	// Kahn's algorithm; the ready set is kept in declaration order.
	var ready []string
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertByPosition(ready, dep, position)
			}
		}
	}

	if len(order) < len(nodes) {
		var stuck []string
		for id, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, domain.NewValidationError("connections", fmt.Sprintf("cycle detected among nodes [%s]", strings.Join(stuck, " ")))
	}

	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	return &Plan{
		Definition: def,
		Order:      order,
		index:      index,
		nodes:      nodes,
		incoming:   incoming,
	}, nil
}

// Index returns the position of a node in the execution order, or -1.
func (p *Plan) Index(nodeID string) int {
	if i, ok := p.index[nodeID]; ok {
		return i
	}
	return -1
}

// Node returns the definition of a node.
func (p *Plan) Node(nodeID string) domain.WorkflowNode {
	return p.nodes[nodeID]
}

// Incoming returns the connections feeding a node's inputs.
func (p *Plan) Incoming(nodeID string) []domain.Connection {
	return p.incoming[nodeID]
}

func insertByPosition(ready []string, id string, position map[string]int) []string {
	i := sort.Search(len(ready), func(i int) bool {
		return position[ready[i]] > position[id]
	})
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = id
	return ready
}

func validateNode(n domain.WorkflowNode) error {
	if !nodeIDPattern.MatchString(n.ID) {
		return domain.NewValidationError("nodes", fmt.Sprintf("invalid node id %q", n.ID))
	}
	if n.Type == "" {
		return domain.NewValidationError("nodes", fmt.Sprintf("node %s has no type", n.ID))
	}
	switch n.OnFailure {
	case "", domain.OnFailureAbort, domain.OnFailureContinue:
	default:
		return domain.NewValidationError("nodes", fmt.Sprintf("node %s: unknown failure policy %q", n.ID, n.OnFailure))
	}
	if n.Retries < 0 || n.RetryDelaySeconds < 0 || n.TimeoutSeconds < 0 {
		return domain.NewValidationError("nodes", fmt.Sprintf("node %s: retries and durations must not be negative", n.ID))
	}
	return nil
}

func validateConnection(c domain.Connection, nodes map[string]domain.WorkflowNode) error {
	from, ok := nodes[c.FromNode]
	if !ok {
		return domain.NewValidationError("connections", fmt.Sprintf("unknown source node %q", c.FromNode))
	}
	to, ok := nodes[c.ToNode]
	if !ok {
		return domain.NewValidationError("connections", fmt.Sprintf("unknown target node %q", c.ToNode))
	}
	if !contains(from.Outputs, c.FromPort) {
		return domain.NewValidationError("connections", fmt.Sprintf("node %s has no output port %q", c.FromNode, c.FromPort))
	}
	if !contains(to.Inputs, c.ToPort) {
		return domain.NewValidationError("connections", fmt.Sprintf("node %s has no input port %q", c.ToNode, c.ToPort))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
