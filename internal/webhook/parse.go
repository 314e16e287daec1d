package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxMultipartMemory = 8 << 20

// parsePayload turns the request into one JSON document: the body itself for
// JSON, the "payload" field for multipart forms, and the request parameters
// as a flat object otherwise.
func parsePayload(ep Endpoint, r *http.Request, body []byte) ([]byte, *Error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, badRequest("invalid_payload", "invalid multipart body: "+err.Error())
		}
		if raw := r.FormValue("payload"); raw != "" {
			return decodeJSON([]byte(raw))
		}
		return paramsJSON(r)
	case mediaType == "application/x-www-form-urlencoded":
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := r.ParseForm(); err != nil {
			return nil, badRequest("invalid_payload", "invalid form body: "+err.Error())
		}
		return paramsJSON(r)
	case strings.HasSuffix(mediaType, "json") || (mediaType == "" && ep.ContentType == ContentJSON && len(bytes.TrimSpace(body)) > 0):
		return decodeJSON(body)
	default:
		return paramsJSON(r)
	}
}

func decodeJSON(raw []byte) ([]byte, *Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, badRequest("invalid_json", "empty payload")
	}
	if !json.Valid(raw) {
		return nil, badRequest("invalid_json", "payload is not valid json")
	}
	return raw, nil
}

func paramsJSON(r *http.Request) ([]byte, *Error) {
	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if key != "token" && len(values) > 0 {
			params[key] = values[0]
		}
	}
	if r.Form == nil {
		_ = r.ParseForm()
	}
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if r.MultipartForm != nil {
		for key, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
	}
	if len(params) == 0 {
		return nil, badRequest("invalid_payload", "request carries no payload")
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, badRequest("invalid_payload", err.Error())
	}
	return data, nil
}

func validatePayload(ep Endpoint, payload []byte) *Error {
	if ep.schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return badRequest("invalid_json", "payload is not valid json")
	}
	if err := ep.schema.Validate(doc); err != nil {
		return badRequest("schema_violation", "payload does not match the "+string(ep.Service)+" schema")
	}
	return nil
}
