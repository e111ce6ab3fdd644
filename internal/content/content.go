// Package content implements the attachment encoding the backend uses for
// chat messages: attachments travel as Markdown-style references embedded in
// the message body. Classification is a pure function over the body string
// and must stay byte-compatible with the backend's encoding.
package content

import (
	"regexp"
	"strings"
)

// Only the first match of each pattern is honored; a body never carries more
// than one attachment reference under this scheme.
var (
	imageRef = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)`)
	fileRef  = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

type Kind int

const (
	KindText Kind = iota
	KindImage
	KindFile
)

// Content is the classified form of a message body.
type Content struct {
	Kind Kind

	// KindImage
	Alt string

	// KindFile
	Name    string
	Ext     string // upper-cased extension for the file card ("PDF")
	Caption string // body text remaining after the reference is stripped

	// KindImage and KindFile
	URL string

	// KindText
	Text string
}

// Classify inspects a message body. An image reference wins over a file
// reference; if neither matches, the whole body is plain text.
func Classify(body string) Content {
	if m := imageRef.FindStringSubmatch(body); m != nil {
		return Content{Kind: KindImage, Alt: m[1], URL: m[2]}
	}
	if m := fileRef.FindStringSubmatch(body); m != nil {
		caption := strings.TrimSpace(strings.Replace(body, m[0], "", 1))
		return Content{
			Kind:    KindFile,
			Name:    m[1],
			URL:     m[2],
			Ext:     extOf(m[1]),
			Caption: caption,
		}
	}
	return Content{Kind: KindText, Text: body}
}

// extOf returns the upper-cased last dot segment of a file name; a name
// without a dot yields the whole name, matching the rendering contract.
func extOf(name string) string {
	parts := strings.Split(name, ".")
	return strings.ToUpper(parts[len(parts)-1])
}

// Compose builds a message body from an optional caption and an uploaded
// file: image MIME types get image syntax, everything else a plain link.
// The combined body is trimmed so a captionless attachment has no leading
// blank lines.
func Compose(caption, fileName, mimeType, fileURL string) string {
	body := caption
	if fileURL != "" {
		if IsImageMIME(mimeType) {
			body += "\n\n![" + fileName + "](" + fileURL + ")"
		} else {
			body += "\n\n[" + fileName + "](" + fileURL + ")"
		}
	}
	return strings.TrimSpace(body)
}

// IsImageMIME reports whether the MIME type selects image reference syntax.
func IsImageMIME(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
