package xlparse

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

// Worker operations.
const (
	opParse    = "parse"
	opValues   = "values"
	opMetadata = "metadata"
)

// Request is the JSON message sent to a parse worker on stdin.
type Request struct {
	Op      string              `json:"op"`
	Path    string              `json:"path"`
	Options Options             `json:"options"`
	Coords  map[string][]string `json:"coords,omitempty"`
}

// Response is the JSON message a parse worker writes to stdout. Exactly one
// of the payload fields is set, matching the request op.
type Response struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Result *Result                            `json:"result,omitempty"`
	Values map[string]map[string]cells.Scalar `json:"values,omitempty"`
	Meta   *Metadata                          `json:"meta,omitempty"`
}

// RunWorker services exactly one request from r and writes the response to
// w. It is the body of the hidden parse-worker subcommand: the process
// around it is the fault-isolation boundary, so a runtime abort here takes
// down only this parse attempt. Panics are converted into a crashed
// response so the parent gets a taxonomy tag even when the runtime would
// have survived.
func RunWorker(r io.Reader, w io.Writer) error {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return writeResponse(w, &Response{OK: false, ErrorKind: kindOther, ErrorMsg: "bad request: " + err.Error()})
	}

	resp := serve(&req)

	return writeResponse(w, resp)
}

func serve(req *Request) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = &Response{OK: false, ErrorKind: kindCrashed, ErrorMsg: fmt.Sprint(rec)}
		}
	}()

	switch req.Op {
	case opParse:
		result, err := ParseFile(req.Path, req.Options)
		if err != nil {
			return errResponse(err)
		}

		return &Response{OK: true, Result: result}

	case opValues:
		values, err := FetchValues(req.Path, req.Coords)
		if err != nil {
			return errResponse(err)
		}

		return &Response{OK: true, Values: values}

	case opMetadata:
		meta, err := ReadMetadata(req.Path)
		if err != nil {
			return errResponse(err)
		}

		return &Response{OK: true, Meta: &meta}

	default:
		return &Response{OK: false, ErrorKind: kindOther, ErrorMsg: "unknown op " + req.Op}
	}
}

func errResponse(err error) *Response {
	return &Response{OK: false, ErrorKind: kindOf(err), ErrorMsg: err.Error()}
}

func writeResponse(w io.Writer, resp *Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("xlparse: encoding worker response: %w", err)
	}

	return nil
}
