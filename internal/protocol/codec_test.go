package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mattjoyce/docbridge/internal/scan"
)

func TestEncodeReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   *Reply
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "success with result",
			reply: &Reply{
				ID:     "call-1",
				Status: StatusOK,
				Result: &scan.PdfResult{PdfURI: "content://x", PageCount: 3},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"pdfUri":"content://x"`) {
					t.Error("missing pdfUri")
				}
				if !strings.Contains(output, `"id":"call-1"`) {
					t.Error("missing id")
				}
			},
		},
		{
			name:  "cancelled scan encodes null result",
			reply: &Reply{Status: StatusOK},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"result":null`) {
					t.Errorf("expected null result, got %s", output)
				}
			},
		},
		{
			name: "error reply",
			reply: &Reply{
				Status: StatusError,
				Error:  &ErrorBody{Code: string(scan.CodeScanFailed), Message: "boom"},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"code":"ScanFailed"`) {
					t.Error("missing error code")
				}
			},
		},
		{
			name:    "error reply without code",
			reply:   &Reply{Status: StatusError},
			wantErr: true,
		},
		{
			name:    "unknown status",
			reply:   &Reply{Status: "maybe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeReply(&buf, tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeReply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeCall(t *testing.T) {
	call, err := DecodeCall(strings.NewReader(`{"id":"7","method":"getScanDocuments","args":{"page":2}}`))
	if err != nil {
		t.Fatalf("DecodeCall: %v", err)
	}
	if call.Method != scan.MethodScanDocuments || call.ID != "7" {
		t.Fatalf("unexpected call: %#v", call)
	}
	if n, ok := call.Args["page"].(json.Number); !ok || n.String() != "2" {
		t.Fatalf("expected json.Number page, got %#v", call.Args["page"])
	}
	if got := scan.PageLimit(call.Args); got != 2 {
		t.Fatalf("PageLimit = %d, want 2", got)
	}

	if _, err := DecodeCall(strings.NewReader(`{"args":{}}`)); err == nil {
		t.Fatal("expected error for missing method")
	}
	if _, err := DecodeCall(strings.NewReader(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDecodeArgs(t *testing.T) {
	args, err := DecodeArgs(nil)
	if err != nil || args != nil {
		t.Fatalf("empty body: args=%v err=%v", args, err)
	}

	args, err = DecodeArgs([]byte(`{"args":{"page":0}}`))
	if err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if got := scan.PageLimit(args); got != 1 {
		t.Fatalf("PageLimit = %d, want 1", got)
	}

	if _, err := DecodeArgs([]byte(`{"args":`)); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestDecodeOutcome(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantErr   bool
		cancelled bool
		pdfURI    string
		pages     int
	}{
		{name: "pdf", data: `{"result_code":-1,"pdf":{"uri":"content://x","page_count":3}}`, pdfURI: "content://x"},
		{name: "pages", data: `{"result_code":-1,"pages":[{"uri":"a"},{"uri":"b"}]}`, pages: 2},
		{name: "cancelled", data: `{"result_code":0}`, cancelled: true},
		{name: "unknown code is cancelled", data: `{"result_code":1}`, cancelled: true},
		{name: "missing code", data: `{"pdf":{"uri":"x"}}`, wantErr: true},
		{name: "negative page count", data: `{"result_code":-1,"pdf":{"uri":"x","page_count":-1}}`, wantErr: true},
		{name: "empty", data: ``, wantErr: true},
		{name: "garbage", data: `{"result_code":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := DecodeOutcome([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeOutcome() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if o.IsCancelled() != tt.cancelled {
				t.Fatalf("IsCancelled = %v, want %v", o.IsCancelled(), tt.cancelled)
			}
			if tt.pdfURI != "" && (o.Pdf == nil || o.Pdf.URI != tt.pdfURI) {
				t.Fatalf("unexpected pdf: %#v", o.Pdf)
			}
			if len(o.Pages) != tt.pages {
				t.Fatalf("pages = %d, want %d", len(o.Pages), tt.pages)
			}
		})
	}
}

func TestDecodeLifecycle(t *testing.T) {
	ev, err := DecodeLifecycle([]byte(`{"event":"attached","context_id":"act-1"}`))
	if err != nil || ev.ContextID != "act-1" {
		t.Fatalf("unexpected: %#v %v", ev, err)
	}
	if _, err := DecodeLifecycle([]byte(`{"event":"detached"}`)); err != nil {
		t.Fatalf("detached should not need context: %v", err)
	}
	if _, err := DecodeLifecycle([]byte(`{"event":"reattached"}`)); err == nil {
		t.Fatal("reattached without context_id should fail")
	}
	if _, err := DecodeLifecycle([]byte(`{"event":"paused","context_id":"x"}`)); err == nil {
		t.Fatal("unknown event should fail")
	}
	if _, err := DecodeLifecycle([]byte(`{}`)); err == nil {
		t.Fatal("missing event should fail")
	}
}
