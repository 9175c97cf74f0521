// Package privilege holds the static privilege implication graph.
//
// Edges point from the stronger label to the weaker one: a declaration
// ("group.owner", ["group.admin"]) reads "group.owner implies group.admin".
// The reflexive transitive closure is computed once in Build so that
// Implies is a map lookup on the request path.
package privilege

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// Declaration is one entry of the static privilege list. A declaration
// without Implies is a leaf.
type Declaration struct {
	Label   string   `yaml:"label"`
	Implies []string `yaml:"implies,omitempty"`
}

// Leaf declares a privilege with no implied descendants.
func Leaf(label string) Declaration { return Declaration{Label: label} }

// Implies declares that label implies each of the given labels.
func Implies(label string, implied ...string) Declaration {
	return Declaration{Label: label, Implies: implied}
}

// GraphCycleError reports a cycle (or self-loop) among declarations.
type GraphCycleError struct {
	Path []string
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("privilege graph contains a cycle: %s", strings.Join(e.Path, " -> "))
}

// Graph is an immutable privilege DAG with a precomputed closure.
type Graph struct {
	ids     map[string]int64
	labels  map[int64]string
	closure map[string]map[string]struct{}
}

// Build constructs the graph and rejects cycles, self-loops and
// references to undeclared labels.
func Build(decls []Declaration) (*Graph, error) {
	g := simple.NewDirectedGraph()
	p := &Graph{
		ids:    make(map[string]int64, len(decls)),
		labels: make(map[int64]string, len(decls)),
	}

	for _, d := range decls {
		label := strings.TrimSpace(d.Label)
		if label == "" {
			return nil, errors.New("privilege: empty label in declarations")
		}
		if _, ok := p.ids[label]; ok {
			continue
		}
		id := int64(len(p.ids))
		p.ids[label] = id
		p.labels[id] = label
		g.AddNode(simple.Node(id))
	}

	for _, d := range decls {
		from := p.ids[strings.TrimSpace(d.Label)]
		for _, raw := range d.Implies {
			implied := strings.TrimSpace(raw)
			to, ok := p.ids[implied]
			if !ok {
				return nil, fmt.Errorf("privilege: %q implies undeclared label %q", d.Label, implied)
			}
			// simple.DirectedGraph panics on self edges, so catch them here.
			if from == to {
				return nil, &GraphCycleError{Path: []string{implied, implied}}
			}
			if !g.HasEdgeFromTo(from, to) {
				g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
			}
		}
	}

	if _, err := topo.Sort(g); err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) && len(cycles) > 0 {
			return nil, &GraphCycleError{Path: p.cyclePath(cycles[0])}
		}
		return nil, fmt.Errorf("privilege: sort graph: %w", err)
	}

	p.closure = make(map[string]map[string]struct{}, len(p.ids))
	for label, id := range p.ids {
		reach := make(map[string]struct{})
		walker := traverse.DepthFirst{
			Visit: func(n graph.Node) {
				reach[p.labels[n.ID()]] = struct{}{}
			},
		}
		walker.Walk(g, simple.Node(id), nil)
		p.closure[label] = reach
	}
	return p, nil
}

// MustBuild is Build for static declaration sets; it panics on error.
func MustBuild(decls []Declaration) *Graph {
	g, err := Build(decls)
	if err != nil {
		panic(err)
	}
	return g
}

// Implies reports whether a implies b. Every declared label implies itself;
// unknown labels imply nothing.
func (p *Graph) Implies(a, b string) bool {
	reach, ok := p.closure[a]
	if !ok {
		return false
	}
	_, ok = reach[b]
	return ok
}

// AnyImplies reports whether at least one of held implies required.
func (p *Graph) AnyImplies(held []string, required string) bool {
	for _, h := range held {
		if p.Implies(h, required) {
			return true
		}
	}
	return false
}

// Exists reports whether label was declared.
func (p *Graph) Exists(label string) bool {
	_, ok := p.ids[label]
	return ok
}

// Labels returns every declared label in lexical order.
func (p *Graph) Labels() []string {
	out := make([]string, 0, len(p.ids))
	for label := range p.ids {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Expand returns the sorted set of labels implied by any of held,
// including held themselves. Unknown labels are dropped.
func (p *Graph) Expand(held []string) []string {
	set := make(map[string]struct{})
	for _, h := range held {
		for label := range p.closure[h] {
			set[label] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for label := range set {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func (p *Graph) cyclePath(nodes []graph.Node) []string {
	path := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		path = append(path, p.labels[n.ID()])
	}
	if len(path) > 0 {
		path = append(path, path[0])
	}
	return path
}
