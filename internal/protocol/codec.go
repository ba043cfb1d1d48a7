package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mattjoyce/docbridge/internal/scan"
)

// EncodeReply serializes a Reply to JSON and writes it to w.
// Returns an error if the reply is inconsistent or writing fails.
func EncodeReply(w io.Writer, reply *Reply) error {
	switch reply.Status {
	case StatusOK, StatusNotImplemented:
	case StatusError:
		if reply.Error == nil || reply.Error.Code == "" {
			return fmt.Errorf("error reply without error code")
		}
	default:
		return fmt.Errorf("invalid status value: %q", reply.Status)
	}

	if err := json.NewEncoder(w).Encode(reply); err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	return nil
}

// DecodeCall reads a Call from r. Numbers in args are kept as json.Number
// so integral page limits survive decoding.
func DecodeCall(r io.Reader) (*Call, error) {
	var call Call

	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	if err := decoder.Decode(&call); err != nil {
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}

	if call.Method == "" {
		return nil, fmt.Errorf("call missing required field: method")
	}
	return &call, nil
}

// DecodeArgs reads an optional {"args": {...}} body. An empty body yields no args.
func DecodeArgs(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var body struct {
		Args map[string]any `json:"args"`
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	return body.Args, nil
}

// wireOutcome keeps result_code optional so a missing code is detectable.
type wireOutcome struct {
	ResultCode *int        `json:"result_code"`
	Pdf        *scan.Pdf   `json:"pdf"`
	Pages      []scan.Page `json:"pages"`
}

// DecodeOutcome parses the host's activity-result payload.
func DecodeOutcome(data []byte) (scan.Outcome, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return scan.Outcome{}, fmt.Errorf("host produced an empty result payload")
	}

	var w wireOutcome
	if err := json.Unmarshal(data, &w); err != nil {
		return scan.Outcome{}, fmt.Errorf("result payload is not valid JSON: %w", err)
	}
	if w.ResultCode == nil {
		return scan.Outcome{}, fmt.Errorf("result payload missing required field: result_code")
	}
	if w.Pdf != nil && w.Pdf.PageCount < 0 {
		return scan.Outcome{}, fmt.Errorf("invalid pdf page_count: %d", w.Pdf.PageCount)
	}

	return scan.Outcome{
		Code:  scan.ResultCode(*w.ResultCode),
		Pdf:   w.Pdf,
		Pages: w.Pages,
	}, nil
}

// DecodeLifecycle parses a host lifecycle report.
func DecodeLifecycle(data []byte) (*LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("lifecycle payload is not valid JSON: %w", err)
	}

	switch ev.Event {
	case LifecycleAttached, LifecycleReattached:
		if ev.ContextID == "" {
			return nil, fmt.Errorf("lifecycle event %q requires context_id", ev.Event)
		}
	case LifecycleDetachedForConfigChanges, LifecycleDetached:
	case "":
		return nil, fmt.Errorf("lifecycle payload missing required field: event")
	default:
		return nil, fmt.Errorf("unknown lifecycle event: %q", ev.Event)
	}
	return &ev, nil
}
