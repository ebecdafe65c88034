package model

import (
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Node is one node of a decision tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`

	// Value is the leaf output. On internal nodes it is the expected output
	// of the subtree, which the path explainer attributes along the way.
	Value float64 `json:"value"`

	// Samples is the number of training samples that reached a leaf.
	Samples float64 `json:"samples,omitempty"`
}

// Tree is a binary decision tree stored as a node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// SplitRule decides which way a value goes at a split.
type SplitRule string

const (
	// SplitLess sends x < threshold left (gradient boosting dumps).
	SplitLess SplitRule = "lt"

	// SplitLessEqual sends x <= threshold left (isolation forests).
	SplitLessEqual SplitRule = "le"
)

func (r SplitRule) goLeft(x, threshold float64) bool {
	if r == SplitLessEqual {
		return x <= threshold
	}
	return x < threshold
}

// IsLeaf reports whether n is a leaf.
func (n Node) IsLeaf() bool {
	return n.Feature < 0
}

// validate checks child links and feature indices. Children must come after
// their parent so every walk terminates.
func (t *Tree) validate(dim int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: empty tree", domain.ErrInvalidArtifact)
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			continue
		}
		if n.Feature >= dim {
			return &domain.DimensionMismatchError{Component: "tree", Expected: dim, Got: n.Feature + 1}
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("%w: node %d has invalid children %d/%d", domain.ErrInvalidArtifact, i, n.Left, n.Right)
		}
	}
	return nil
}

// walk calls visit for each node on the decision path of v, from root to
// leaf, and returns the leaf and its depth.
func (t *Tree) walk(v []float64, rule SplitRule, visit func(parent, child int)) (Node, int) {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n, depth
		}
		next := n.Right
		if rule.goLeft(v[n.Feature], n.Threshold) {
			next = n.Left
		}
		if visit != nil {
			visit(i, next)
		}
		i = next
		depth++
	}
}
