package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractionError is the terminal failure of an extraction attempt. Its
// message ends up on the job record; the underlying cause is only logged.
type ExtractionError struct {
	Message string
	Cause   error
}

func (e *ExtractionError) Error() string {
	return e.Message
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// Extractor turns stored file bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// PDFExtractor extracts the text content of a PDF document.
type PDFExtractor struct{}

func NewPDFExtractor() PDFExtractor {
	return PDFExtractor{}
}

// Extract parses the document and returns its plain text. Malformed or
// non-PDF input must surface as an ExtractionError, never crash the host
// process; the pdf package panics on some corrupt inputs, so panics are
// recovered here.
func (PDFExtractor) Extract(ctx context.Context, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Message: fmt.Sprintf("failed to process PDF: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", &ExtractionError{Message: "extraction cancelled", Cause: err}
	}
	if len(data) == 0 {
		return "", &ExtractionError{Message: "failed to process PDF: empty file"}
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Message: fmt.Sprintf("failed to process PDF: %s", err), Cause: err}
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", &ExtractionError{Message: fmt.Sprintf("failed to process PDF: %s", err), Cause: err}
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", &ExtractionError{Message: fmt.Sprintf("failed to process PDF: %s", err), Cause: err}
	}

	return sb.String(), nil
}
