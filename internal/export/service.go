package export

import "fmt"

// Export renders the memorandum in the requested format.
func Export(data Memorandum, format Format) (*Result, error) {
	html, err := RenderMemorandumHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render memorandum: %w", err)
	}

	title := "Audit Sign-Off Memorandum " + data.CompanyName
	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
