// Package render produces the export artifacts served by the backend stand-in.
package render

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/ocrgate/ocrgate/internal/job"
)

// ErrUnknownFormat is returned for formats without a renderer.
var ErrUnknownFormat = errors.New("unknown export format")

type renderer struct {
	contentType string
	render      func(r *job.Record) ([]byte, error)
}

var renderers = map[job.Format]renderer{
	"txt":  {"text/plain; charset=utf-8", renderText},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", renderDocx},
	"json": {"application/json", renderJSON},
	"pdf":  {"application/pdf", renderPDF},
}

// Formats returns every format the stand-in can render, in lexical order.
func Formats() []job.Format {
	fs := make(job.Formats, len(renderers))
	for f := range renderers {
		fs[f] = ""
	}
	return fs.Sorted()
}

// Render builds the artifact for one ready record.
func Render(f job.Format, r *job.Record) (data []byte, contentType string, err error) {
	rd, ok := renderers[f]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
	data, err = rd.render(r)
	if err != nil {
		return nil, "", fmt.Errorf("render %s: %w", f, err)
	}
	return data, rd.contentType, nil
}

func renderText(r *job.Record) ([]byte, error) {
	return []byte(r.Text), nil
}

func renderJSON(r *job.Record) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// renderPDF lays the text out on A4 pages in a core font. Characters outside
// cp1252 are replaced.
func renderPDF(r *job.Record) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(r.FileName, true)
	pdf.SetCreator("ocrstub", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Helvetica", "", 11)
	pdf.AddPage()
	pdf.MultiCell(0, 5, tr(r.Text), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// renderDocx writes a minimal WordprocessingML package with one paragraph per line.
func renderDocx(r *job.Record) ([]byte, error) {
	var doc bytes.Buffer
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	doc.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, line := range strings.Split(r.Text, "\n") {
		doc.WriteString(`<w:p><w:r><w:t xml:space="preserve">`)
		if err := xml.EscapeText(&doc, []byte(line)); err != nil {
			return nil, err
		}
		doc.WriteString(`</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct {
		name string
		body []byte
	}{
		{"[Content_Types].xml", []byte(contentTypesXML)},
		{"_rels/.rels", []byte(relsXML)},
		{"word/document.xml", doc.Bytes()},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(p.body); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
