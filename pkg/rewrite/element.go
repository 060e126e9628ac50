package rewrite

import "golang.org/x/net/html"

// Element is the view of a start tag handed to a Handler.
type Element struct {
	node    *html.Node
	stats   *Stats
	removed bool
	edits   []attrEdit
}

// attrEdit describes how an attribute value is written back. With keep set,
// prefix goes in front of the original bytes; otherwise value replaces them.
type attrEdit struct {
	key    string
	prefix string
	value  string
	keep   bool
}

// TagName returns the lowercased tag name.
func (e *Element) TagName() string {
	return e.node.Data
}

// Attr returns the unescaped value of the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	if i := e.attrIndex(name); i >= 0 {
		return e.node.Attr[i].Val, true
	}
	return "", false
}

// SetAttr sets the named attribute, appending it if absent.
func (e *Element) SetAttr(name, value string) {
	i := e.attrIndex(name)
	if i < 0 {
		e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
	} else if e.node.Attr[i].Val == value {
		return
	} else {
		e.node.Attr[i].Val = value
	}
	*e.edit(name) = attrEdit{key: name, value: value}
	e.countChange()
}

// PrefixAttr puts prefix in front of the named attribute's value. The
// original bytes of the value are kept exactly as they appeared in the input.
// It does nothing if the attribute is absent.
func (e *Element) PrefixAttr(name, prefix string) {
	i := e.attrIndex(name)
	if i < 0 || prefix == "" {
		return
	}
	e.node.Attr[i].Val = prefix + e.node.Attr[i].Val

	ed := e.edit(name)
	if ed.key == "" {
		*ed = attrEdit{key: name, keep: true}
	}
	if ed.keep {
		ed.prefix = prefix + ed.prefix
	} else {
		ed.value = prefix + ed.value
	}
	e.countChange()
}

// Remove drops the element and everything inside it from the output.
func (e *Element) Remove() {
	e.removed = true
}

// Removed reports whether Remove was called.
func (e *Element) Removed() bool {
	return e.removed
}

func (e *Element) attrIndex(name string) int {
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return i
		}
	}
	return -1
}

// edit returns the pending edit for key, adding an empty one if needed.
func (e *Element) edit(key string) *attrEdit {
	for i := range e.edits {
		if e.edits[i].key == key {
			return &e.edits[i]
		}
	}
	e.edits = append(e.edits, attrEdit{})
	return &e.edits[len(e.edits)-1]
}

func (e *Element) countChange() {
	if e.stats != nil {
		e.stats.Rewritten++
	}
}
