package api

import (
	"fmt"

	"github.com/mattjoyce/docbridge/internal/scan"
)

var methodSummaries = map[string]string{
	scan.MethodScanDocuments:    "Scan documents and return the PDF",
	scan.MethodScanAsPdf:        "Scan documents as a PDF",
	scan.MethodScanAsImages:     "Scan documents as page images",
	scan.MethodScanDocumentURIs: "Scan documents and return page image URIs",
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every method.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, m := range scan.Methods() {
		paths["/v1/call/"+m] = map[string]any{"post": callOperation(m)}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Document Scanner Bridge",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"PdfResult": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pdfUri":    map[string]any{"type": "string"},
						"pageCount": map[string]any{"type": "integer"},
					},
				},
				"ImagesResult": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"Uris":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"Count": map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}

func callOperation(method string) map[string]any {
	kind, _ := scan.KindForMethod(method)
	result := "#/components/schemas/ImagesResult"
	if kind.WantsPdf() {
		result = "#/components/schemas/PdfResult"
	}

	return map[string]any{
		"operationId": method,
		"summary":     methodSummaries[method],
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"args": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"page": map[string]any{
										"type":        "integer",
										"default":     scan.DefaultPageLimit,
										"minimum":     1,
										"description": fmt.Sprintf("Page limit; values below 1 are raised to 1, default %d", scan.DefaultPageLimit),
									},
								},
							},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{
				"description": "Scan finished; result is null when the user cancelled",
				"content": map[string]any{
					"application/json": map[string]any{"schema": map[string]any{"$ref": result}},
				},
			},
			"409": map[string]any{"description": "OperationAlreadyInProgress"},
			"410": map[string]any{"description": "ActivityDetached"},
			"500": map[string]any{"description": "ScanProcessingError"},
			"502": map[string]any{"description": "ScanFailed"},
			"503": map[string]any{"description": "ActivityNotAvailable or too many concurrent calls"},
			"504": map[string]any{"description": "Scan still in progress when the wait bound elapsed"},
		},
	}
}
