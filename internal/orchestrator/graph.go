package orchestrator

import (
	"fmt"
)

// Condition selects an outgoing edge.
type Condition string

const (
	CondNext      Condition = "next"
	CondSkip      Condition = "skip"
	CondFail      Condition = "fail"
	CondInterrupt Condition = "interrupt"
	CondUser      Condition = "user"
	CondPlatform  Condition = "platform"
	CondBlocked   Condition = "blocked"
	CondReview    Condition = "review"
	CondCritical  Condition = "critical"
)

type edge struct {
	from Node
	cond Condition
}

// transitions is the workflow graph. CondFail from any non-terminal node
// goes to handle_error and is added by compileGraph.
var transitions = map[edge]Node{
	{NodeInit, CondNext}: NodeRouteTask,
	{NodeInit, CondSkip}: NodeFinalize,

	{NodeRouteTask, CondNext}: NodeRealTimeCheck,

	{NodeRealTimeCheck, CondInterrupt}: NodeDynamicInterrupt,
	{NodeRealTimeCheck, CondNext}:      NodeComplianceGateInitial,

	{NodeDynamicInterrupt, CondNext}: NodeComplianceGateInitial,

	{NodeComplianceGateInitial, CondUser}:     NodeExecuteUser,
	{NodeComplianceGateInitial, CondPlatform}: NodeExecutePlatform,
	{NodeComplianceGateInitial, CondBlocked}:  NodeHandleError,

	{NodeExecuteUser, CondNext}:     NodeStreamProgress,
	{NodeExecutePlatform, CondNext}: NodeStreamProgress,

	{NodeStreamProgress, CondNext}: NodeComplianceGateResults,

	{NodeComplianceGateResults, CondReview}:  NodeHumanReview,
	{NodeComplianceGateResults, CondBlocked}: NodeHandleError,
	{NodeComplianceGateResults, CondNext}:    NodeFinalize,

	{NodeHumanReview, CondNext}:     NodeFinalize,
	{NodeHumanReview, CondCritical}: NodeHandleError,
}

// graph is a compiled, checked transition table.
type graph struct {
	edges map[edge]Node
	nodes map[Node]struct{}
}

// compileGraph copies the table, adds the error edges and checks that
// every target is a known node and every non-terminal node has an exit.
func compileGraph(table map[edge]Node, nodes []Node) (*graph, error) {
	g := &graph{edges: make(map[edge]Node, len(table)+len(nodes)), nodes: make(map[Node]struct{}, len(nodes))}
	for _, n := range nodes {
		g.nodes[n] = struct{}{}
	}
	for e, to := range table {
		if _, ok := g.nodes[e.from]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", e.from)
		}
		if _, ok := g.nodes[to]; !ok {
			return nil, fmt.Errorf("edge %s/%s to unknown node %q", e.from, e.cond, to)
		}
		if e.from.Terminal() {
			return nil, fmt.Errorf("terminal node %q has an outgoing edge", e.from)
		}
		g.edges[e] = to
	}
	for _, n := range nodes {
		if n.Terminal() {
			continue
		}
		if _, ok := g.edges[edge{n, CondFail}]; !ok {
			g.edges[edge{n, CondFail}] = NodeHandleError
		}
	}
	for _, n := range nodes {
		if n.Terminal() {
			continue
		}
		exits := 0
		for e := range g.edges {
			if e.from == n && e.cond != CondFail {
				exits++
			}
		}
		if exits == 0 {
			return nil, fmt.Errorf("node %q has no exit", n)
		}
	}
	return g, nil
}

// next returns the node reached from n under cond.
func (g *graph) next(n Node, cond Condition) (Node, error) {
	to, ok := g.edges[edge{n, cond}]
	if !ok {
		return "", fmt.Errorf("no transition from %s on %s", n, cond)
	}
	return to, nil
}
