// Package rewrite inserts a coverage-exclusion attribute on C# class
// declarations selected by Rules. Sources are parsed with the tree-sitter C#
// grammar and modified by text insertion, so everything outside the inserted
// attribute (comments, blank lines, formatting) is preserved byte for byte.
package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/covermark/internal/runtime"
)

// Class is the shape of one class declaration as the rules see it.
type Class struct {
	Name       string
	Line       int // 1-based
	Attributes []string
	BaseTypes  []string

	// Node is the class_declaration node. Only valid during Rewrite.
	Node *sitter.Node
}

// Predicate can qualify a class the rules did not. It is consulted only for
// classes that neither qualify nor already carry the exclusion marker.
type Predicate func(ctx context.Context, c Class, src []byte) (reason string, ok bool, err error)

// Mark records one inserted attribute.
type Mark struct {
	Class  string `json:"class"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result is the outcome of rewriting one document.
type Result struct {
	Source []byte
	Marks  []Mark

	// SyntaxErrors is set when tree-sitter recovered from errors in the
	// input. The document is still rewritten.
	SyntaxErrors bool
}

// Changed reports whether any attribute was inserted.
func (r *Result) Changed() bool {
	return len(r.Marks) > 0
}

// Rewriter applies Rules to C# source. A Rewriter is safe for concurrent use;
// each call creates its own parser.
type Rewriter struct {
	rules      Rules
	predicates []Predicate
	lang       *sitter.Language
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithPredicate adds a predicate consulted after the built-in rules.
func WithPredicate(p Predicate) Option {
	return func(rw *Rewriter) {
		rw.predicates = append(rw.predicates, p)
	}
}

// New creates a Rewriter. It fails if rules are not idempotent.
func New(rules Rules, opts ...Option) (*Rewriter, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	lang, ok := runtime.ParserForLanguage("csharp")
	if !ok {
		return nil, fmt.Errorf("rewrite: csharp grammar not available")
	}
	rw := &Rewriter{rules: rules, lang: lang}
	for _, opt := range opts {
		opt(rw)
	}
	return rw, nil
}

// Rules returns the rules the Rewriter was built with.
func (rw *Rewriter) Rules() Rules {
	return rw.rules
}

// Rewrite parses src and inserts the attribute on every matching class. When
// nothing matches, Result.Source is src itself.
//
// Classes nested inside another class body are not visited.
func (rw *Rewriter) Rewrite(ctx context.Context, src []byte) (*Result, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(rw.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("rewrite: parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	res := &Result{Source: src, SyntaxErrors: root.HasError()}

	var classes []*sitter.Node
	collectClasses(root, &classes)

	nl := newline(src)
	buf := newBuffer(src)
	for _, node := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := shapeOf(node, src)
		reason, ok := rw.rules.Decide(c)
		if !ok && !rw.rules.Excluded(c) {
			reason, ok, err = rw.consult(ctx, c, src)
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			continue
		}

		offset, text := rw.insertionFor(node, src, nl)
		buf.Insert(offset, text)
		res.Marks = append(res.Marks, Mark{Class: c.Name, Line: c.Line, Reason: reason})
	}

	if buf.Len() > 0 {
		res.Source = buf.Bytes()
	}
	return res, nil
}

// consult asks the predicates in order until one selects c.
func (rw *Rewriter) consult(ctx context.Context, c Class, src []byte) (string, bool, error) {
	for _, p := range rw.predicates {
		reason, ok, err := p(ctx, c, src)
		if err != nil {
			return "", false, fmt.Errorf("rewrite: class %s: %w", c.Name, err)
		}
		if ok {
			return reason, true, nil
		}
	}
	return "", false, nil
}

// collectClasses gathers class declarations without descending into them.
func collectClasses(node *sitter.Node, out *[]*sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "class_declaration" {
			*out = append(*out, child)
			continue
		}
		collectClasses(child, out)
	}
}

func shapeOf(node *sitter.Node, src []byte) Class {
	c := Class{
		Line: int(node.StartPoint().Row) + 1,
		Node: node,
	}
	if id := node.ChildByFieldName("name"); id != nil {
		c.Name = id.Content(src)
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "attribute_list":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				attr := child.NamedChild(j)
				if attr.Type() != "attribute" {
					continue
				}
				if name := attr.ChildByFieldName("name"); name != nil {
					c.Attributes = append(c.Attributes, name.Content(src))
				}
			}
		case "base_list":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if name := renderBaseType(child.NamedChild(j), src); name != "" {
					c.BaseTypes = append(c.BaseTypes, name)
				}
			}
		}
	}
	return c
}

// renderBaseType returns the type name of one base_list entry, dropping
// primary constructor arguments.
func renderBaseType(node *sitter.Node, src []byte) string {
	switch node.Type() {
	case "comment", "argument_list":
		return ""
	case "primary_constructor_base_type":
		if t := node.ChildByFieldName("type"); t != nil {
			return strings.TrimSpace(t.Content(src))
		}
		if node.NamedChildCount() > 0 {
			return strings.TrimSpace(node.NamedChild(0).Content(src))
		}
	}
	text := node.Content(src)
	if i := strings.IndexByte(text, '('); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// insertionFor places the attribute after the class's last attribute list,
// or in front of the declaration when it has none. Either way comments that
// precede the declaration stay ahead of the new attribute, and the attribute
// is indented like the line the declaration starts on.
func (rw *Rewriter) insertionFor(node *sitter.Node, src []byte, nl string) (int, string) {
	attr := "[" + rw.rules.Attribute + "]"
	indent := lineIndent(src, int(node.StartByte()))

	var last *sitter.Node
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if child := node.NamedChild(i); child.Type() == "attribute_list" {
			last = child
		}
	}
	if last != nil {
		return int(last.EndByte()), nl + indent + attr
	}
	return int(node.StartByte()), attr + nl + indent
}

// lineIndent returns the leading whitespace of the line containing offset.
func lineIndent(src []byte, offset int) string {
	start := bytes.LastIndexByte(src[:offset], '\n') + 1
	end := start
	for end < offset && (src[end] == ' ' || src[end] == '\t') {
		end++
	}
	return string(src[start:end])
}

// newline returns the document's line ending.
func newline(src []byte) string {
	if bytes.Contains(src, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}
