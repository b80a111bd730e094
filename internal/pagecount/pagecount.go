// Package pagecount derives the number of printable pages in a document.
//
// Count never fails. When a container cannot be introspected the configured
// fallback is returned and the result is marked as estimated.
package pagecount

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/obs"
)

// DefaultFallback is the page count assumed for documents that cannot be read.
const DefaultFallback = 1

// Format labels what kind of container a document was detected as.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatImage   Format = "image"
	FormatUnknown Format = "unknown"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func init() {
	api.DisableConfigDir()
}

// Document is an immutable named binary.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the length of the document body.
func (d Document) Size() int { return len(d.Data) }

// Result is the outcome of counting one document.
type Result struct {
	Pages     int
	Format    Format
	Estimated bool
}

// Counter counts pages. The zero value is usable and falls back to DefaultFallback.
type Counter struct {
	Fallback int
	Logger   zerolog.Logger
}

// Count returns the page count of doc. Safe for concurrent use.
func (c Counter) Count(ctx context.Context, doc Document) (res Result) {
	format := Detect(doc)
	defer func() {
		if r := recover(); r != nil {
			res = c.fallback(ctx, doc, format, fmt.Errorf("panic while counting: %v", r))
		}
		outcome := "ok"
		if res.Estimated {
			outcome = "fallback"
		}
		obs.IncPageCount(string(res.Format), outcome)
	}()

	if err := ctx.Err(); err != nil {
		return c.fallback(ctx, doc, format, err)
	}

	var (
		pages int
		err   error
	)
	switch format {
	case FormatImage:
		return Result{Pages: 1, Format: format}
	case FormatPDF:
		pages, err = countPDF(doc.Data)
	case FormatDOCX:
		pages, err = countDOCX(doc.Data)
	default:
		err = errors.New("unsupported format")
	}
	if err == nil && pages < 1 {
		err = fmt.Errorf("implausible page count %d", pages)
	}
	if err != nil {
		return c.fallback(ctx, doc, format, err)
	}
	return Result{Pages: pages, Format: format}
}

func (c Counter) fallback(ctx context.Context, doc Document, format Format, cause error) Result {
	pages := c.Fallback
	if pages < 1 {
		pages = DefaultFallback
	}
	obs.LoggerFrom(ctx, c.Logger).Warn().
		Err(cause).
		Str("file", doc.Name).
		Str("format", string(format)).
		Int("fallback_pages", pages).
		Msg("page count fallback")
	return Result{Pages: pages, Format: format, Estimated: true}
}

// Detect sniffs the document body, using the file extension to break ties for zip containers.
func Detect(doc Document) Format {
	mt := mimetype.Detect(doc.Data)
	switch {
	case mt.Is("application/pdf"):
		return FormatPDF
	case mt.Is(docxMIME):
		return FormatDOCX
	case strings.HasPrefix(mt.String(), "image/"):
		return FormatImage
	case mt.Is("application/zip") && strings.EqualFold(filepath.Ext(doc.Name), ".docx"):
		return FormatDOCX
	}
	return FormatUnknown
}

func countPDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf: %w", err)
	}
	return n, nil
}

type appProperties struct {
	Pages int `xml:"Pages"`
}

func countDOCX(data []byte) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "docProps/app.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("docx: %w", err)
		}
		defer rc.Close()
		var props appProperties
		if err := xml.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(&props); err != nil {
			return 0, fmt.Errorf("docx app.xml: %w", err)
		}
		return props.Pages, nil
	}
	return 0, errors.New("docx: docProps/app.xml missing")
}
