package extract

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// XPath selects the nodes matching an expression as items.
type XPath struct {
	expr *xpath.Expr
}

// NewXPath compiles expr.
func NewXPath(expr string) (*XPath, error) {
	e, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile xpath %q: %w", expr, err)
	}
	return &XPath{expr: e}, nil
}

// Extract implements Extractor. A nil payload yields no items.
func (x *XPath) Extract(payload any) ([]any, error) {
	if payload == nil {
		return []any{}, nil
	}
	doc, ok := payload.(*xmlquery.Node)
	if !ok {
		return nil, typeError("xml", payload)
	}
	nodes := xmlquery.QuerySelectorAll(doc, x.expr)
	items := make([]any, len(nodes))
	for i, n := range nodes {
		items[i] = n
	}
	return items, nil
}

// FieldRule describes how one record field is read from an item node.
type FieldRule struct {
	// XPath is evaluated relative to the item (or container) node.
	XPath string

	// Multi collects the text of every matching node instead of the first.
	Multi bool

	// Container optionally narrows the context node for Multi rules.
	Container string

	// Join concatenates non-empty Multi texts with this separator. Without
	// it a Multi field is a []any of strings.
	Join string
}

type compiledRule struct {
	FieldRule
	expr      *xpath.Expr
	container *xpath.Expr
}

// XMLRecords turns each node matched by an items expression into a
// map[string]any record using per-field rules. Fields that match nothing
// are the empty string.
type XMLRecords struct {
	items  *xpath.Expr
	fields map[string]compiledRule
}

// NewXMLRecords compiles the items expression and every field rule.
func NewXMLRecords(items string, fields map[string]FieldRule) (*XMLRecords, error) {
	itemsExpr, err := xpath.Compile(items)
	if err != nil {
		return nil, fmt.Errorf("compile items xpath %q: %w", items, err)
	}

	compiled := make(map[string]compiledRule, len(fields))
	for name, rule := range fields {
		c := compiledRule{FieldRule: rule}
		if c.expr, err = xpath.Compile(rule.XPath); err != nil {
			return nil, fmt.Errorf("compile xpath for field %q: %w", name, err)
		}
		if rule.Container != "" {
			if c.container, err = xpath.Compile(rule.Container); err != nil {
				return nil, fmt.Errorf("compile container xpath for field %q: %w", name, err)
			}
		}
		compiled[name] = c
	}
	return &XMLRecords{items: itemsExpr, fields: compiled}, nil
}

// Extract implements Extractor.
func (x *XMLRecords) Extract(payload any) ([]any, error) {
	if payload == nil {
		return []any{}, nil
	}
	doc, ok := payload.(*xmlquery.Node)
	if !ok {
		return nil, typeError("xml", payload)
	}

	nodes := xmlquery.QuerySelectorAll(doc, x.items)
	records := make([]any, 0, len(nodes))
	for _, node := range nodes {
		row := make(map[string]any, len(x.fields))
		for name, rule := range x.fields {
			row[name] = rule.read(node)
		}
		records = append(records, row)
	}
	return records, nil
}

func (r compiledRule) read(node *xmlquery.Node) any {
	if !r.Multi {
		if n := xmlquery.QuerySelector(node, r.expr); n != nil {
			return n.InnerText()
		}
		return ""
	}

	parent := node
	if r.container != nil {
		if c := xmlquery.QuerySelector(node, r.container); c != nil {
			parent = c
		}
	}
	matches := xmlquery.QuerySelectorAll(parent, r.expr)

	if r.Join != "" {
		texts := make([]string, 0, len(matches))
		for _, n := range matches {
			if t := n.InnerText(); t != "" {
				texts = append(texts, t)
			}
		}
		return strings.Join(texts, r.Join)
	}
	texts := make([]any, len(matches))
	for i, n := range matches {
		texts[i] = n.InnerText()
	}
	return texts
}
