// Package content defines the provider-neutral content blocks that flow from
// the normalizer to the LLM client.
//
// A [Block] is a tagged variant: exactly one of the kind-specific fields is
// meaningful, selected by [Block.Kind]. Blocks are values and are never
// mutated after construction; the byte slices they hold must not be modified
// by callers.
package content

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Kind discriminates the variants of [Block].
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
)

// DetailHint is the caller-chosen quality/cost tradeoff for image analysis.
type DetailHint string

const (
	DetailAuto DetailHint = "auto"
	DetailLow  DetailHint = "low"
	DetailHigh DetailHint = "high"
)

// IsValid reports whether d is a recognised detail hint.
func (d DetailHint) IsValid() bool {
	switch d {
	case DetailAuto, DetailLow, DetailHigh:
		return true
	}
	return false
}

// ParseDetailHint converts s to a [DetailHint]. The empty string maps to
// [DetailAuto].
func ParseDetailHint(s string) (DetailHint, error) {
	if s == "" {
		return DetailAuto, nil
	}
	d := DetailHint(strings.ToLower(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("content: invalid detail hint %q; valid values: auto, low, high", s)
	}
	return d, nil
}

// Block is a single normalized unit of model input.
type Block struct {
	// Kind selects the variant.
	Kind Kind

	// Text is the body of a [KindText] block.
	Text string

	// Data holds the raw bytes of a [KindImage] or [KindPDF] block.
	Data []byte

	// MIMEType is the media type of Data (e.g. "image/png", "application/pdf").
	MIMEType string

	// Detail is the detail hint of a [KindImage] block.
	Detail DetailHint

	// Filename is the display name of a [KindPDF] block. Some providers
	// require it for inline file parts.
	Filename string
}

// Text returns a text block.
func Text(body string) Block {
	return Block{Kind: KindText, Text: body}
}

// Image returns an image block. An empty detail defaults to [DetailAuto].
func Image(data []byte, mimeType string, detail DetailHint) Block {
	if detail == "" {
		detail = DetailAuto
	}
	return Block{Kind: KindImage, Data: data, MIMEType: mimeType, Detail: detail}
}

// PDF returns a PDF document block.
func PDF(data []byte, filename string) Block {
	return Block{Kind: KindPDF, Data: data, MIMEType: "application/pdf", Filename: filename}
}

// DataURL returns the base64 data URL for an image or PDF block.
func (b Block) DataURL() string {
	return "data:" + b.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// Size returns the payload size of the block in bytes.
func (b Block) Size() int {
	if b.Kind == KindText {
		return len(b.Text)
	}
	return len(b.Data)
}

// String returns a short human-readable description, never the payload.
func (b Block) String() string {
	switch b.Kind {
	case KindText:
		return fmt.Sprintf("text(%d chars)", len(b.Text))
	case KindImage:
		return fmt.Sprintf("image(%s, %d bytes, detail=%s)", b.MIMEType, len(b.Data), b.Detail)
	case KindPDF:
		return fmt.Sprintf("pdf(%s, %d bytes)", b.Filename, len(b.Data))
	default:
		return "unknown"
	}
}
