package requestlog

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/apitally/apitally-go/internal/config"
	"github.com/apitally/apitally-go/internal/model"
)

const maskToken = "******"

var (
	bodyTooLarge = []byte("<body too large>")
	bodyMasked   = []byte("<masked>")

	allowedContentTypes = []string{"application/json", "text/plain"}
)

// redactor applies the masking and stripping rules to a log item.
type redactor struct {
	cfg         config.RequestLogging
	maxBodySize int

	queryParams patternSet
	headers     patternSet
	bodyFields  patternSet
}

func newRedactor(cfg config.RequestLogging, maxBodySize int) (*redactor, error) {
	queryParams, err := compilePatterns(defaultMaskQueryParamPatterns, cfg.MaskQueryParams)
	if err != nil {
		return nil, err
	}
	headers, err := compilePatterns(defaultMaskHeaderPatterns, cfg.MaskHeaders)
	if err != nil {
		return nil, err
	}
	bodyFields, err := compilePatterns(defaultMaskBodyFieldPatterns, cfg.MaskBodyFields)
	if err != nil {
		return nil, err
	}
	return &redactor{
		cfg:         cfg,
		maxBodySize: maxBodySize,
		queryParams: queryParams,
		headers:     headers,
		bodyFields:  bodyFields,
	}, nil
}

// apply redacts item in place. Content types are read from the original
// headers, before header stripping.
func (r *redactor) apply(item *model.LogItem, cb Callbacks) {
	req, resp := &item.Request, &item.Response

	reqType, _ := model.FindHeader(req.Headers, "Content-Type")
	respType, _ := model.FindHeader(resp.Headers, "Content-Type")

	req.Body = r.body(req.Body, reqType, r.cfg.IncludeRequestBody, func() []byte {
		return cb.MaskRequestBody(req)
	}, cb != nil)
	resp.Body = r.body(resp.Body, respType, r.cfg.IncludeResponseBody, func() []byte {
		return cb.MaskResponseBody(req, resp)
	}, cb != nil)

	req.Headers = r.maskHeaders(req.Headers, r.cfg.IncludeRequestHeaders)
	resp.Headers = r.maskHeaders(resp.Headers, r.cfg.IncludeResponseHeaders)

	req.URL = r.maskURL(req.URL)

	if !r.cfg.IncludeException {
		item.Exception = nil
	}
}

func (r *redactor) body(body []byte, contentType string, include bool, mask func() []byte, hasCallback bool) []byte {
	if !include || len(body) == 0 || !allowedContentType(contentType) {
		return nil
	}
	if len(body) > r.maxBodySize {
		return bodyTooLarge
	}
	if hasCallback {
		body = mask()
		if body == nil {
			body = bodyMasked
		}
		if len(body) > r.maxBodySize {
			return bodyTooLarge
		}
	}
	if strings.HasPrefix(contentType, "application/json") {
		body = r.maskBodyFields(body)
	}
	return body
}

func allowedContentType(contentType string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// maskBodyFields leaves the body untouched unless it is valid JSON with at
// least one field to mask.
func (r *redactor) maskBodyFields(body []byte) []byte {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return body
	}
	masked, changed := r.maskValue(doc)
	if !changed {
		return body
	}
	out, err := json.Marshal(masked)
	if err != nil {
		return body
	}
	return out
}

func (r *redactor) maskValue(value any) (any, bool) {
	changed := false
	switch v := value.(type) {
	case map[string]any:
		for key, inner := range v {
			if r.bodyFields.match(key) {
				switch inner.(type) {
				case string, json.Number, bool:
					v[key] = maskToken
					changed = true
					continue
				}
			}
			if masked, innerChanged := r.maskValue(inner); innerChanged {
				v[key] = masked
				changed = true
			}
		}
	case []any:
		for i, inner := range v {
			if masked, innerChanged := r.maskValue(inner); innerChanged {
				v[i] = masked
				changed = true
			}
		}
	}
	return value, changed
}

func (r *redactor) maskHeaders(headers []model.Header, include bool) []model.Header {
	if !include || len(headers) == 0 {
		return nil
	}
	out := make([]model.Header, len(headers))
	for i, h := range headers {
		if r.headers.match(h.Name()) {
			out[i] = model.Header{h.Name(), maskToken}
			continue
		}
		out[i] = h
	}
	return out
}

// maskURL drops credentials and fragments, then strips or masks the query.
// Unparseable URLs are returned unchanged.
func (r *redactor) maskURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if !r.cfg.IncludeQueryParams {
		parsed.RawQuery = ""
		parsed.ForceQuery = false
	} else if parsed.RawQuery != "" {
		parsed.RawQuery = r.maskQuery(parsed.RawQuery)
	}
	return parsed.String()
}

func (r *redactor) maskQuery(query string) string {
	pairs := strings.Split(query, "&")
	var b strings.Builder
	for i, pair := range pairs {
		name, value, _ := strings.Cut(pair, "=")
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		if r.queryParams.match(name) {
			b.WriteString(maskToken)
		} else {
			b.WriteString(value)
		}
	}
	return b.String()
}
