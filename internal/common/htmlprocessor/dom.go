package htmlprocessor

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

const (
	metaStatusCode = "prerender-status-code"
	metaHeader     = "prerender-header"
)

// executableScriptTypes defines MIME types that indicate executable JavaScript
var executableScriptTypes = map[string]bool{
	"text/javascript":        true,
	"module":                 true,
	"application/javascript": true,
	"application/ecmascript": true,
	"text/ecmascript":        true,
}

type domDocument struct {
	root *html.Node
}

// Parse parses HTML bytes into a Document
func Parse(htmlBytes []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}
	return &domDocument{root: root}, nil
}

func getAttr(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return attr.Val
		}
	}
	return ""
}

// walk visits every element node depth-first; returning false skips the node's children
func walk(node *html.Node, visit func(*html.Node) bool) {
	if node.Type == html.ElementNode && !visit(node) {
		return
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func isExecutableScript(node *html.Node) bool {
	if !strings.EqualFold(node.Data, "script") {
		return false
	}
	scriptType := strings.ToLower(strings.TrimSpace(getAttr(node, "type")))
	return scriptType == "" || executableScriptTypes[scriptType]
}

// isScriptRelatedLink matches import, modulepreload and preload-as-script links
func isScriptRelatedLink(node *html.Node) bool {
	if !strings.EqualFold(node.Data, "link") {
		return false
	}

	switch strings.ToLower(getAttr(node, "rel")) {
	case "import", "modulepreload":
		return true
	case "preload":
		return strings.EqualFold(getAttr(node, "as"), "script")
	}
	return false
}

func (d *domDocument) CleanScripts() bool {
	var toRemove []*html.Node
	walk(d.root, func(n *html.Node) bool {
		if isExecutableScript(n) || isScriptRelatedLink(n) {
			toRemove = append(toRemove, n)
			return false
		}
		return true
	})

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
	return len(toRemove) > 0
}

func (d *domDocument) Directives() Directives {
	var directives Directives
	walk(d.root, func(n *html.Node) bool {
		if !strings.EqualFold(n.Data, "meta") {
			return true
		}

		content := strings.TrimSpace(getAttr(n, "content"))
		switch strings.ToLower(getAttr(n, "name")) {
		case metaStatusCode:
			if code, err := strconv.Atoi(content); err == nil && code >= 100 && code <= 599 {
				directives.StatusCode = code
			}
		case metaHeader:
			name, value, ok := strings.Cut(content, ":")
			name = strings.TrimSpace(name)
			if ok && name != "" {
				directives.Headers = append(directives.Headers, Header{
					Name:  name,
					Value: strings.TrimSpace(value),
				})
			}
		}
		return false
	})
	return directives
}

func (d *domDocument) HTML() []byte {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return nil
	}
	return buf.Bytes()
}
