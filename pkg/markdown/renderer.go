// Package markdown renders text/markdown display payloads to sanitized HTML
package markdown

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// Options adjusts the rendering
type Options struct {
	// NoLinks renders links as their text only
	NoLinks bool
	// NoImages drops images, including inline data: images
	NoImages bool
}

const extensions = blackfriday.CommonExtensions |
	blackfriday.AutoHeadingIDs |
	blackfriday.Footnotes

var sanitizer = sync.OnceValue(func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span")
	p.AllowAttrs("id").Matching(bluemonday.SpaceSeparatedTokens).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	// Plots arrive as inline images
	p.AllowDataURIImages()
	return p
})

// Render converts markdown to sanitized HTML
func Render(src string) string {
	return RenderWithOptions(src, Options{})
}

// RenderWithOptions converts markdown to sanitized HTML with opts applied
func RenderWithOptions(src string, opts Options) string {
	flags := blackfriday.CommonHTMLFlags
	if opts.NoLinks {
		flags |= blackfriday.SkipLinks
	}
	if opts.NoImages {
		flags |= blackfriday.SkipImages
	}
	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{Flags: flags})

	unsafeHTML := blackfriday.Run([]byte(src),
		blackfriday.WithExtensions(extensions),
		blackfriday.WithRenderer(renderer),
	)
	return string(sanitizer().SanitizeBytes(unsafeHTML))
}
