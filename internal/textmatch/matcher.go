// Package textmatch finds any of a fixed set of terms inside text using an
// Aho-Corasick automaton. Matching is case-insensitive and runs in time
// linear in the text length regardless of how many terms are loaded.
package textmatch

import (
	"strings"
	"unicode"
)

// Matcher is an immutable automaton built from a term list. It is safe for
// concurrent use.
type Matcher struct {
	root  *node
	terms int
}

type node struct {
	children map[rune]*node
	fail     *node

	// match is the term ending at this node, or the nearest one reachable
	// through failure links. Empty when no term ends here.
	match string
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

// New builds a Matcher for terms. Terms are lowercased and blank terms are
// ignored; duplicates are harmless.
func New(terms []string) *Matcher {
	m := &Matcher{root: newNode()}

	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		m.insert(t)
		m.terms++
	}

	m.buildFailureLinks()
	return m
}

// Len returns the number of non-blank terms loaded.
func (m *Matcher) Len() int {
	return m.terms
}

func (m *Matcher) insert(term string) {
	n := m.root
	for _, ch := range term {
		child, ok := n.children[ch]
		if !ok {
			child = newNode()
			n.children[ch] = child
		}
		n = child
	}
	n.match = term
}

// buildFailureLinks walks the trie breadth-first so each node's failure
// target is finalized before its children need it.
func (m *Matcher) buildFailureLinks() {
	queue := make([]*node, 0, len(m.root.children))
	for _, child := range m.root.children {
		child.fail = m.root
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for ch, child := range current.children {
			queue = append(queue, child)

			fail := current.fail
			for fail != nil && fail.children[ch] == nil {
				fail = fail.fail
			}
			if fail == nil {
				child.fail = m.root
			} else {
				child.fail = fail.children[ch]
			}

			if child.match == "" {
				child.match = child.fail.match
			}
		}
	}
}

// Find returns the first term found in text, scanning left to right.
func (m *Matcher) Find(text string) (string, bool) {
	if m.terms == 0 {
		return "", false
	}

	n := m.root
	for _, ch := range text {
		ch = unicode.ToLower(ch)
		for n != m.root && n.children[ch] == nil {
			n = n.fail
		}
		if next, ok := n.children[ch]; ok {
			n = next
		}
		if n.match != "" {
			return n.match, true
		}
	}
	return "", false
}

// Contains reports whether any term occurs in text.
func (m *Matcher) Contains(text string) bool {
	_, ok := m.Find(text)
	return ok
}
