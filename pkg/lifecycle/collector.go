package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// Collector is an in-process Registrar. Suites run their declaring body at
// registration time, so the declared tree is complete once the outermost
// Describe returns. Cases are run with Run or, from a Go test, RunTests.
//
// When any case is focused, directly or through a focused suite, only
// focused cases run. Excluded cases and cases in excluded suites never run.
type Collector struct {
	mu    sync.Mutex
	root  *node
	stack []*node
}

type node struct {
	name     string
	opts     Options
	body     func(ctx context.Context) error
	children []*node
	suite    bool
}

// CaseResult is the outcome of one case run by a Collector.
type CaseResult struct {
	Name     string
	Skipped  bool
	Err      error
	Duration time.Duration
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	root := &node{suite: true}
	return &Collector{root: root, stack: []*node{root}}
}

// RegisterTest implements Registrar.
func (c *Collector) RegisterTest(description string, opts Options, body func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.stack[len(c.stack)-1]
	parent.children = append(parent.children, &node{name: description, opts: opts, body: body})
}

// RegisterSuite implements Registrar.
func (c *Collector) RegisterSuite(name string, opts Options, body func()) {
	c.mu.Lock()
	parent := c.stack[len(c.stack)-1]
	suite := &node{name: name, opts: opts, suite: true}
	parent.children = append(parent.children, suite)
	c.stack = append(c.stack, suite)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.stack = c.stack[:len(c.stack)-1]
		c.mu.Unlock()
	}()

	if body != nil {
		body()
	}
}

// plannedCase is a flattened case with inherited flags resolved.
type plannedCase struct {
	path     []string
	node     *node
	focused  bool
	excluded bool
}

func (p plannedCase) name() string {
	return strings.Join(p.path, " ")
}

// plan flattens the tree in declaration order.
func (c *Collector) plan() []plannedCase {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cases []plannedCase
	var walk func(n *node, path []string, focused, excluded bool)
	walk = func(n *node, path []string, focused, excluded bool) {
		for _, child := range n.children {
			p := append(append([]string(nil), path...), child.name)
			f := focused || child.opts.Focused
			x := excluded || child.opts.Excluded
			if child.suite {
				walk(child, p, f, x)
				continue
			}
			cases = append(cases, plannedCase{path: p, node: child, focused: f, excluded: x})
		}
	}
	walk(c.root, nil, false, false)
	return cases
}

// Cases returns the full names of all registered cases in declaration
// order.
func (c *Collector) Cases() []string {
	cases := c.plan()
	names := make([]string, len(cases))
	for i, pc := range cases {
		names[i] = pc.name()
	}
	return names
}

// focusMode reports whether any case is focused.
func focusMode(cases []plannedCase) bool {
	for _, pc := range cases {
		if pc.focused && !pc.excluded {
			return true
		}
	}
	return false
}

func (p plannedCase) skipped(focus bool) bool {
	return p.excluded || (focus && !p.focused)
}

// Run executes every selected case in declaration order.
func (c *Collector) Run(ctx context.Context) []CaseResult {
	cases := c.plan()
	focus := focusMode(cases)

	results := make([]CaseResult, 0, len(cases))
	for _, pc := range cases {
		result := CaseResult{Name: pc.name()}
		if pc.skipped(focus) {
			result.Skipped = true
			results = append(results, result)
			continue
		}

		start := time.Now()
		result.Err = pc.node.body(ctx)
		result.Duration = time.Since(start)
		results = append(results, result)
	}
	return results
}

// RunTests runs the registered tree as nested subtests of t.
func (c *Collector) RunTests(t *testing.T) {
	t.Helper()

	focus := focusMode(c.plan())

	c.mu.Lock()
	root := c.root
	c.mu.Unlock()

	runChildren(t, root, focus, false, false)
}

func runChildren(t *testing.T, n *node, focus, focused, excluded bool) {
	for _, child := range n.children {
		f := focused || child.opts.Focused
		x := excluded || child.opts.Excluded

		if child.suite {
			t.Run(child.name, func(t *testing.T) {
				runChildren(t, child, focus, f, x)
			})
			continue
		}

		t.Run(child.name, func(t *testing.T) {
			switch {
			case x:
				t.Skip("excluded")
			case focus && !f:
				t.Skip("not focused")
			}
			if err := child.body(t.Context()); err != nil {
				t.Fatal(err)
			}
		})
	}
}
