package scan

import (
	"encoding/json"
	"math"
)

// Kind identifies which request shape was invoked. It decides how a native
// outcome is translated into a reply.
type Kind string

const (
	KindPdf       Kind = "scan_to_pdf"
	KindImages    Kind = "scan_to_images"
	KindImageURIs Kind = "scan_to_images_as_uris"
	KindGeneric   Kind = "scan_generic"
)

// Method names accepted on the method channel.
const (
	MethodScanDocuments    = "getScanDocuments"
	MethodScanAsPdf        = "getScannedDocumentAsPdf"
	MethodScanAsImages     = "getScannedDocumentAsImages"
	MethodScanDocumentURIs = "getScanDocumentsUri"
)

var methodKinds = map[string]Kind{
	MethodScanDocuments:    KindGeneric,
	MethodScanAsPdf:        KindPdf,
	MethodScanAsImages:     KindImages,
	MethodScanDocumentURIs: KindImageURIs,
}

// KindForMethod maps a method-channel name to its operation kind.
func KindForMethod(method string) (Kind, bool) {
	k, ok := methodKinds[method]
	return k, ok
}

// Methods returns the supported method names.
func Methods() []string {
	return []string{MethodScanDocuments, MethodScanAsPdf, MethodScanAsImages, MethodScanDocumentURIs}
}

// WantsPdf reports whether outcomes for k are read from the PDF result
// rather than the page list.
func (k Kind) WantsPdf() bool {
	return k == KindPdf || k == KindGeneric
}

// RequestCode returns the fixed correlation token used when at most one
// operation per kind may be outstanding.
func (k Kind) RequestCode() Token {
	switch k {
	case KindGeneric:
		return "213312"
	case KindImageURIs:
		return "214412"
	case KindImages:
		return "215512"
	case KindPdf:
		return "216612"
	default:
		return ""
	}
}

// Token correlates an asynchronous scan outcome with the request that
// launched the scanner.
type Token string

// DefaultPageLimit applies when the caller omits page or sends a non-integer.
const DefaultPageLimit = 4

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPDF  Format = "pdf"
)

type Mode string

const ModeFull Mode = "full"

// Options is the scanner configuration handed to the engine.
type Options struct {
	GalleryImportAllowed bool     `json:"gallery_import_allowed"`
	PageLimit            int      `json:"page_limit"`
	ResultFormats        []Format `json:"result_formats"`
	Mode                 Mode     `json:"mode"`
}

// NewOptions returns the fixed scanner configuration for a page limit.
func NewOptions(pageLimit int) Options {
	return Options{
		GalleryImportAllowed: true,
		PageLimit:            pageLimit,
		ResultFormats:        []Format{FormatJPEG, FormatPDF},
		Mode:                 ModeFull,
	}
}

// PageLimit extracts the page limit from call arguments. Integers below 1
// are raised to 1; a missing or non-integer value yields DefaultPageLimit.
func PageLimit(args map[string]any) int {
	raw, ok := args["page"]
	if !ok {
		return DefaultPageLimit
	}
	n, ok := asInt(raw)
	if !ok {
		return DefaultPageLimit
	}
	return max(1, n)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return clampInt64(n), true
	case float64:
		return floatInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return clampInt64(i), true
		}
		// 2.0 and 1e1 are integers written as decimals.
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatInt(f)
	default:
		return 0, false
	}
}

// floatInt accepts f only when it has no fractional part.
func floatInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if f < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(f), true
}

func clampInt64(n int64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int(n)
}
