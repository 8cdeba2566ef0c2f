package span

import (
	"cmp"
	"slices"
)

// Node is a span with its children in the operation tree.
type Node struct {
	Span
	Children []*Node `json:"children,omitempty"`
}

// BuildTree arranges spans into a forest. Spans whose parent is unknown
// become roots, and so do spans on a parent cycle. Siblings are ordered by
// start time, then span ID.
func BuildTree(spans []Span) []*Node {
	nodes := make(map[string]*Node, len(spans))
	order := make([]*Node, 0, len(spans))
	for _, s := range spans {
		if _, ok := nodes[s.SpanID]; ok {
			continue
		}
		n := &Node{Span: s}
		nodes[s.SpanID] = n
		order = append(order, n)
	}

	var roots []*Node
	for _, n := range order {
		parent, ok := nodes[n.ParentSpanID]
		if !ok || n.ParentSpanID == n.SpanID || createsCycle(nodes, n) {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	sortNodes(roots)
	for _, n := range order {
		sortNodes(n.Children)
	}
	return roots
}

func createsCycle(nodes map[string]*Node, n *Node) bool {
	seen := map[string]struct{}{n.SpanID: {}}
	cur := n.ParentSpanID
	for cur != "" {
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
		p, ok := nodes[cur]
		if !ok {
			return false
		}
		cur = p.ParentSpanID
	}
	return false
}

func sortNodes(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		if c := cmp.Compare(a.StartTimeUS, b.StartTimeUS); c != 0 {
			return c
		}
		return cmp.Compare(a.SpanID, b.SpanID)
	})
}

// Walk visits every node depth-first, parents before children. Returning
// false from fn skips the children of that node.
func Walk(roots []*Node, fn func(n *Node, depth int) bool) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		if !fn(n, depth) {
			return
		}
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range roots {
		visit(r, 0)
	}
}
