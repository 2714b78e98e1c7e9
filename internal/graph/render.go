// Copyright (C) 2024 The Ramen Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package graph

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

// Graphviz dumps every layer of g to dst as dot(1)-compatible text, one
// cluster per layer, a node per operator labeled with its name and
// operation, and an edge per parent link (cross-layer edges included).
// Mirrors the teacher's plan.Graphviz: a single accumulating writer, no
// intermediate tree built up in memory (spec.md §6 "GET /graph[/layer]").
func Graphviz(g *Graph, dst io.Writer) error {
	if _, err := io.WriteString(dst, "digraph ramen {\n"); err != nil {
		return err
	}
	for _, l := range sortedLayers(g) {
		if err := gvLayer(l, dst); err != nil {
			return err
		}
	}
	_, err := io.WriteString(dst, "}\n")
	return err
}

// GraphvizLayer renders a single layer without the enclosing digraph
// wrapper's cluster grouping, for GET /graph/layer (spec.md §6).
func GraphvizLayer(l *Layer, dst io.Writer) error {
	if _, err := io.WriteString(dst, "digraph ramen {\n"); err != nil {
		return err
	}
	if err := gvNodes(l, dst); err != nil {
		return err
	}
	_, err := io.WriteString(dst, "}\n")
	return err
}

// Mermaid dumps every layer of g to dst as a mermaid `flowchart` diagram,
// one subgraph per layer, alongside Graphviz's dot rendering for clients
// whose Accept header prefers it.
func Mermaid(g *Graph, dst io.Writer) error {
	if _, err := io.WriteString(dst, "flowchart LR\n"); err != nil {
		return err
	}
	for _, l := range sortedLayers(g) {
		if err := mmLayer(l, dst); err != nil {
			return err
		}
	}
	return nil
}

// MermaidLayer renders a single layer's mermaid diagram without the
// enclosing subgraph wrapper, for GET /graph/layer.
func MermaidLayer(l *Layer, dst io.Writer) error {
	if _, err := io.WriteString(dst, "flowchart LR\n"); err != nil {
		return err
	}
	return mmNodes(l, dst)
}

func mmLayer(l *Layer, dst io.Writer) error {
	if _, err := fmt.Fprintf(dst, "subgraph %s[%q]\n", dotQuote(l.Name), l.Name); err != nil {
		return err
	}
	if err := mmNodes(l, dst); err != nil {
		return err
	}
	_, err := io.WriteString(dst, "end\n")
	return err
}

func mmNodes(l *Layer, dst io.Writer) error {
	for _, n := range sortedNodes(l) {
		id := nodeID(n)
		label := fmt.Sprintf("%s: %s", n.Name, n.Operation.String())
		if _, err := fmt.Fprintf(dst, "%s[%q]\n", id, label); err != nil {
			return err
		}
		for _, ref := range n.Parents {
			pLayer, pNode := splitRef(l.Name, ref)
			pid := dotQuote(pLayer) + "_" + dotQuote(pNode)
			if _, err := fmt.Fprintf(dst, "%s --> %s\n", pid, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func gvLayer(l *Layer, dst io.Writer) error {
	if _, err := fmt.Fprintf(dst, "subgraph cluster_%s {\n", dotQuote(l.Name)); err != nil {
		return err
	}
	if err := gvNodes(l, dst); err != nil {
		return err
	}
	_, err := fmt.Fprintf(dst, "label=%q;\ncolor=lightgrey;\n}\n", l.Name)
	return err
}

func gvNodes(l *Layer, dst io.Writer) error {
	for _, n := range sortedNodes(l) {
		id := nodeID(n)
		label := fmt.Sprintf("%s\\n%s", n.Name, n.Operation.String())
		if _, err := fmt.Fprintf(dst, "%s [label=%q,color=%s];\n", id, label, statusColor(n)); err != nil {
			return err
		}
		for _, ref := range n.Parents {
			pLayer, pNode := splitRef(l.Name, ref)
			pid := dotQuote(pLayer) + "_" + dotQuote(pNode)
			if _, err := fmt.Fprintf(dst, "%s -> %s;\n", pid, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func nodeID(n *Node) string { return dotQuote(n.LayerName) + "_" + dotQuote(n.Name) }

func statusColor(n *Node) string {
	if n.PID != 0 {
		return "green"
	}
	return "black"
}

func dotQuote(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || c == '-' || c == '.' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

func sortedLayers(g *Graph) []*Layer {
	ls := g.Layers()
	slices.SortFunc(ls, func(a, b *Layer) bool { return a.Name < b.Name })
	return ls
}

func sortedNodes(l *Layer) []*Node {
	out := make([]*Node, 0, len(l.Nodes))
	for _, n := range l.Nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) bool { return a.Name < b.Name })
	return out
}
