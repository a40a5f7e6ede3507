// Package capture records HTTP exchanges made on behalf of a flow so they can be
// shown step by step. Bodies are kept as a tagged union keyed by media type, and
// credentials are redacted at capture time.
package capture

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags the variant of a Body.
type Kind string

const (
	KindForm   Kind = "form"
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Body is one of FormBody, JSONBody, TextBody or BinaryBody.
type Body interface {
	Kind() Kind
	clone() Body
}

// FormBody is an application/x-www-form-urlencoded body.
type FormBody struct {
	Values url.Values
}

// JSONBody is a syntactically valid JSON body.
type JSONBody struct {
	Raw json.RawMessage
}

// TextBody is a UTF-8 body of any other textual media type.
type TextBody struct {
	ContentType string
	Text        string
}

// BinaryBody is anything else.
type BinaryBody struct {
	ContentType string
	Data        []byte
}

func (FormBody) Kind() Kind   { return KindForm }
func (JSONBody) Kind() Kind   { return KindJSON }
func (TextBody) Kind() Kind   { return KindText }
func (BinaryBody) Kind() Kind { return KindBinary }

func (b FormBody) clone() Body {
	v := make(url.Values, len(b.Values))
	for k, vs := range b.Values {
		v[k] = slices.Clone(vs)
	}
	return FormBody{Values: v}
}

func (b JSONBody) clone() Body   { return JSONBody{Raw: slices.Clone(b.Raw)} }
func (b TextBody) clone() Body   { return b }
func (b BinaryBody) clone() Body { return BinaryBody{ContentType: b.ContentType, Data: slices.Clone(b.Data)} }

func (b FormBody) MarshalJSON() ([]byte, error) {
	fields := make(map[string]string, len(b.Values))
	for k := range b.Values {
		fields[k] = b.Values.Get(k)
	}
	return json.Marshal(struct {
		Kind   Kind              `json:"kind"`
		Fields map[string]string `json:"fields"`
	}{KindForm, fields})
}

func (b JSONBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind Kind            `json:"kind"`
		JSON json.RawMessage `json:"json"`
	}{KindJSON, b.Raw})
}

func (b TextBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind        Kind   `json:"kind"`
		ContentType string `json:"contentType,omitempty"`
		Text        string `json:"text"`
	}{KindText, b.ContentType, b.Text})
}

func (b BinaryBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind        Kind   `json:"kind"`
		ContentType string `json:"contentType,omitempty"`
		Base64      string `json:"base64"`
		Size        int    `json:"size"`
	}{KindBinary, b.ContentType, base64.StdEncoding.EncodeToString(b.Data), len(b.Data)})
}

// NewBody classifies data by its Content-Type header value. A body that claims
// to be JSON or form data but does not parse as such is kept as text (or binary,
// if it is not valid UTF-8), never silently reinterpreted.
func NewBody(contentType string, data []byte) Body {
	if len(data) == 0 {
		return nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = ""
	}
	switch {
	case mt == "application/x-www-form-urlencoded":
		if v, err := url.ParseQuery(string(data)); err == nil {
			return FormBody{Values: v}
		}
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		if json.Valid(data) {
			var buf bytes.Buffer
			if err := json.Compact(&buf, data); err == nil {
				return JSONBody{Raw: buf.Bytes()}
			}
		}
	}
	if utf8.Valid(data) && (mt == "" || isTextual(mt)) {
		return TextBody{ContentType: contentType, Text: string(data)}
	}
	return BinaryBody{ContentType: contentType, Data: slices.Clone(data)}
}

func isTextual(mt string) bool {
	return strings.HasPrefix(mt, "text/") ||
		mt == "application/json" || strings.HasSuffix(mt, "+json") ||
		mt == "application/x-www-form-urlencoded" ||
		mt == "application/xml" || strings.HasSuffix(mt, "+xml")
}

// Summary is a short human description of b, suitable for logs.
func Summary(b Body) string {
	switch v := b.(type) {
	case nil:
		return "empty"
	case FormBody:
		keys := make([]string, 0, len(v.Values))
		for k := range v.Values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return "form(" + strings.Join(keys, ",") + ")"
	case JSONBody:
		return "json(" + strconv.Itoa(len(v.Raw)) + " bytes)"
	case TextBody:
		return "text(" + strconv.Itoa(len(v.Text)) + " bytes)"
	case BinaryBody:
		return "binary(" + strconv.Itoa(len(v.Data)) + " bytes)"
	default:
		panic("capture: unknown body kind " + string(b.Kind()))
	}
}
