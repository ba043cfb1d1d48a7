package scan

// ResultCode mirrors the host's activity result code.
type ResultCode int

const (
	ResultOK       ResultCode = -1
	ResultCanceled ResultCode = 0
)

// Pdf is the PDF document produced by a completed scan.
type Pdf struct {
	URI       string `json:"uri"`
	PageCount int    `json:"page_count"`
}

// Page is a single scanned image.
type Page struct {
	URI string `json:"uri"`
}

// Outcome is the raw result the host reports for a launched scanner.
// A nil Pages slice means the engine returned no page list at all; an empty
// one means it returned a list without usable entries.
type Outcome struct {
	Code  ResultCode `json:"result_code"`
	Pdf   *Pdf       `json:"pdf,omitempty"`
	Pages []Page     `json:"pages,omitempty"`
}

// CancelledOutcome is reported when the user dismisses the scanner.
func CancelledOutcome() Outcome {
	return Outcome{Code: ResultCanceled}
}

// PdfOutcome is a completed scan carrying only a PDF.
func PdfOutcome(uri string, pageCount int) Outcome {
	return Outcome{Code: ResultOK, Pdf: &Pdf{URI: uri, PageCount: pageCount}}
}

// ImagesOutcome is a completed scan carrying only page images.
func ImagesOutcome(uris ...string) Outcome {
	pages := make([]Page, 0, len(uris))
	for _, u := range uris {
		pages = append(pages, Page{URI: u})
	}
	return Outcome{Code: ResultOK, Pages: pages}
}

// IsCancelled reports whether the host returned anything but RESULT_OK.
func (o Outcome) IsCancelled() bool {
	return o.Code != ResultOK
}

// PageURIs returns the non-empty page URIs in order.
func (o Outcome) PageURIs() []string {
	uris := make([]string, 0, len(o.Pages))
	for _, p := range o.Pages {
		if p.URI != "" {
			uris = append(uris, p.URI)
		}
	}
	return uris
}

// DocumentScanned is the payload of the onDocumentScanned notification.
type DocumentScanned struct {
	ImageURIs []string `json:"imageUris,omitempty"`
	PdfURI    string   `json:"pdfUri,omitempty"`
	PageCount *int     `json:"pageCount,omitempty"`
}

// Notification builds the onDocumentScanned payload. ok is false for
// cancelled outcomes, which are never broadcast.
func (o Outcome) Notification() (DocumentScanned, bool) {
	if o.IsCancelled() {
		return DocumentScanned{}, false
	}
	n := DocumentScanned{ImageURIs: o.PageURIs()}
	if o.Pdf != nil && o.Pdf.URI != "" {
		count := o.Pdf.PageCount
		n.PdfURI = o.Pdf.URI
		n.PageCount = &count
	}
	if len(n.ImageURIs) == 0 && n.PdfURI == "" {
		return DocumentScanned{}, false
	}
	return n, true
}
