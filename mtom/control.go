package mtom

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// binding pairs a declared filename with the cid: href of its payload.
type binding struct {
	filename string
	href     string
}

// xmlNode is a minimal parsed-tree node. Namespace prefixes vary across
// producers (a:, allg:, gevo:, tran:, t:, or none), so all matching happens
// on local names against this tree instead of prefix-sensitive patterns.
type xmlNode struct {
	local    string
	attrs    []xml.Attr
	text     string
	children []*xmlNode
}

func (n *xmlNode) localEquals(name string) bool {
	return strings.EqualFold(n.local, name)
}

func (n *xmlNode) attr(name string) string {
	for _, a := range n.attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// walk visits the node and all descendants depth-first.
func (n *xmlNode) walk(fn func(*xmlNode)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

// parseControlXML builds a node tree from control-document bytes. The
// decoder runs non-strict because legacy producers emit undeclared entities
// and sloppy encodings; a partial tree is still usable.
func parseControlXML(data []byte) *xmlNode {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	root := &xmlNode{local: ""}
	stack := []*xmlNode{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parsed before the error.
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{local: t.Name.Local, attrs: t.Attr}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, node)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			node := stack[len(stack)-1]
			node.text += strings.TrimSpace(string(t))
		}
	}
	if len(root.children) == 0 {
		return nil
	}
	return root
}

// filenameElementNames are local names under which producers declare a
// document's filename.
var filenameElementNames = []string{"dateiname", "filename", "dokumentname"}

func isFilenameElement(n *xmlNode) bool {
	for _, name := range filenameElementNames {
		if n.localEquals(name) {
			return true
		}
	}
	return false
}

// isFileElement reports whether a node is a structured file entry grouping
// a filename with an XOP reference.
func isFileElement(n *xmlNode) bool {
	return n.localEquals("datei") || n.localEquals("file") || n.localEquals("anhang") || n.localEquals("attachment")
}

// bindControlDocument extracts filename-to-href bindings from the control
// document and fills metadata with its free-text fields.
//
// Strategy one looks for structured file elements that pair a filename with
// an Include href in one subtree. When no such block exists, strategy two
// independently collects ordered filename declarations and ordered XOP
// references and zips them positionally.
func bindControlDocument(data []byte, metadata map[string]string) []binding {
	root := parseControlXML(data)
	if root == nil {
		return nil
	}

	collectMetadata(root, metadata)

	var bindings []binding
	root.walk(func(n *xmlNode) {
		if !isFileElement(n) {
			return
		}
		var filename, href string
		n.walk(func(c *xmlNode) {
			if filename == "" && isFilenameElement(c) && c.text != "" {
				filename = c.text
			}
			if href == "" && c.localEquals("include") {
				if h := c.attr("href"); h != "" {
					href = h
				}
			}
		})
		if filename != "" && href != "" {
			bindings = append(bindings, binding{filename: filename, href: href})
		}
	})
	if len(bindings) > 0 {
		return bindings
	}

	// Positional fallback: declared names and XOP references in document
	// order, paired index by index.
	var filenames, hrefs []string
	root.walk(func(n *xmlNode) {
		if isFilenameElement(n) && n.text != "" {
			filenames = append(filenames, n.text)
		}
		if n.localEquals("include") {
			if h := n.attr("href"); h != "" {
				hrefs = append(hrefs, h)
			}
		}
	})
	count := len(filenames)
	if len(hrefs) < count {
		count = len(hrefs)
	}
	for i := 0; i < count; i++ {
		bindings = append(bindings, binding{filename: filenames[i], href: hrefs[i]})
	}
	return bindings
}

const (
	maxMetadataFields    = 64
	maxMetadataValueSize = 256
)

// collectMetadata copies the control document's simple text leaves into the
// metadata map, keyed by lowercase local name, first occurrence wins.
func collectMetadata(root *xmlNode, metadata map[string]string) {
	root.walk(func(n *xmlNode) {
		if len(metadata) >= maxMetadataFields {
			return
		}
		if len(n.children) > 0 || n.text == "" || len(n.text) > maxMetadataValueSize {
			return
		}
		key := strings.ToLower(n.local)
		if key == "" || key == "include" {
			return
		}
		if _, exists := metadata[key]; !exists {
			metadata[key] = n.text
		}
	})
}
