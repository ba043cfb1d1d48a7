package scan

// PdfResult is the reply for PDF-shaped requests.
type PdfResult struct {
	PdfURI    string `json:"pdfUri"`
	PageCount int    `json:"pageCount"`
}

// ImagesResult is the reply for image-shaped requests.
type ImagesResult struct {
	URIs  []string `json:"Uris"`
	Count int      `json:"Count"`
}

// Translate maps a native outcome to the reply for kind. A cancelled scan
// yields (nil, nil): the caller gets a null success, not an error.
func Translate(kind Kind, o Outcome) (any, error) {
	if o.IsCancelled() {
		return nil, nil
	}

	if kind.WantsPdf() {
		if o.Pdf == nil {
			return nil, Errorf(CodeScanFailed, "wrong outcome shape: no PDF result returned")
		}
		if o.Pdf.URI == "" {
			return nil, Errorf(CodeScanFailed, "missing URI: scanner returned a PDF without a URI")
		}
		return &PdfResult{PdfURI: o.Pdf.URI, PageCount: o.Pdf.PageCount}, nil
	}

	if o.Pages == nil {
		return nil, Errorf(CodeScanFailed, "wrong outcome shape: no image result returned")
	}
	uris := o.PageURIs()
	if len(uris) == 0 {
		return nil, Errorf(CodeScanFailed, "empty result: no image URIs returned")
	}
	return &ImagesResult{URIs: uris, Count: len(uris)}, nil
}
