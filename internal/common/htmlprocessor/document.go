package htmlprocessor

// Document provides the HTML post-processing applied to rendered pages before they are sent.
type Document interface {
	// CleanScripts removes executable script elements and script preload links.
	// JSON-LD and other data scripts are kept. Returns true if anything was removed.
	CleanScripts() bool

	// Directives returns the prerender meta tag directives found in the document.
	Directives() Directives

	// HTML returns the current HTML re-serialized from the DOM.
	HTML() []byte
}

// Directives are instructions a page leaves for the prerender service through meta tags:
//
//	<meta name="prerender-status-code" content="404">
//	<meta name="prerender-header" content="Location: https://example.com/new">
type Directives struct {
	// StatusCode overrides the response status; 0 when absent or invalid
	StatusCode int
	// Headers lists response headers in document order
	Headers []Header
}

// Header is a single name/value pair from a prerender-header meta tag
type Header struct {
	Name  string
	Value string
}
