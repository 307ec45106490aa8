package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

const (
	docxBodyPart = "word/document.xml"
	// Compressed uploads are capped elsewhere; this bounds what they inflate to.
	maxDOCXBodyBytes = 32 << 20
)

// ErrBodyTooLarge is returned when a document inflates past the extraction limit.
var ErrBodyTooLarge = errors.New("document body too large")

func extractDOCX(_ context.Context, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, file := range zr.File {
		if file.Name != docxBodyPart {
			continue
		}
		if file.UncompressedSize64 > maxDOCXBodyBytes {
			return "", fmt.Errorf("docx: %w", ErrBodyTooLarge)
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("read docx body: %w", err)
		}
		defer rc.Close()
		return wordprocessingText(&boundedReader{r: rc, n: maxDOCXBodyBytes})
	}
	return "", fmt.Errorf("docx: %s missing", docxBodyPart)
}

// wordprocessingText collects the w:t runs of a WordprocessingML body.
func wordprocessingText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	inText := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return sb.String(), nil
			}
			return "", fmt.Errorf("parse docx body: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:t":
				inText = true
			case "w:tab":
				sb.WriteString("\t")
			case "w:br", "w:cr":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:t":
				inText = false
			case "w:p":
				sb.WriteString("\n")
			}
		case html.TextToken:
			if inText {
				sb.Write(z.Text())
			}
		}
	}
}

// boundedReader fails with ErrBodyTooLarge once more than n bytes are read.
type boundedReader struct {
	r io.Reader
	n int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n < 0 {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > b.n+1 {
		p = p[:b.n+1]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	if b.n < 0 {
		return n, ErrBodyTooLarge
	}
	return n, err
}
