// Package extract recognizes supported upload types and pulls text and page
// information out of them.
package extract

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
	"unicode/utf8"
)

const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEText = "text/plain"
)

// ErrUnsupportedType is returned for types the pipeline cannot analyze.
var ErrUnsupportedType = errors.New("unsupported mime type")

// NormalizeMIMEType returns the canonical type for an upload. Parameters are
// stripped, zip archives holding word/document.xml are treated as DOCX, and
// an empty or generic declaration falls back to the file extension.
func NormalizeMIMEType(mimeType string, fileName string, data []byte) string {
	clean := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))

	switch clean {
	case MIMEPDF, MIMEDOCX, MIMEText:
		return clean
	case "application/zip", "application/x-zip-compressed":
		if isDOCXArchive(data) {
			return MIMEDOCX
		}
		return clean
	case "", "application/octet-stream", "binary/octet-stream":
		if byExt := mimeFromExtension(fileName, data); byExt != "" {
			return byExt
		}
		if bytes.HasPrefix(data, []byte("%PDF-")) {
			return MIMEPDF
		}
		if clean == "" {
			return "application/octet-stream"
		}
		return clean
	default:
		return clean
	}
}

// IsSupported reports whether a normalized type can be analyzed.
func IsSupported(mimeType string) bool {
	switch mimeType {
	case MIMEPDF, MIMEDOCX, MIMEText:
		return true
	default:
		return false
	}
}

// IsPaginated reports whether a normalized type is split by page ranges.
func IsPaginated(mimeType string) bool {
	return mimeType == MIMEPDF
}

func mimeFromExtension(fileName string, data []byte) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return MIMEPDF
	case ".docx":
		return MIMEDOCX
	case ".txt", ".text":
		return MIMEText
	case ".zip":
		if isDOCXArchive(data) {
			return MIMEDOCX
		}
	}
	return ""
}

func isDOCXArchive(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			return true
		}
	}
	return false
}

// Text extracts whole-document text from an in-memory payload of a
// normalized type.
func Text(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch mimeType {
	case MIMEPDF:
		return pdfText(data)
	case MIMEDOCX:
		return docxText(data)
	case MIMEText:
		return plainText(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
}

func plainText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func docxText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty docx data")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("document.xml file not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return stripDocxXML(string(raw)), nil
}

func stripDocxXML(raw string) string {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	var buf strings.Builder
	// Only w:t carries document text; other char data is markup whitespace.
	inText := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return raw
		}
		switch t := tok.(type) {
		case xml.CharData:
			if inText {
				buf.WriteString(string(t))
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				buf.WriteString("\t")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p", "br":
				if buf.Len() > 0 {
					buf.WriteString("\n")
				}
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
