package endpoint

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds single path, query, header and cookie values.
var defaultFieldLimit = 4 * 1024

// defaultBodyLimit bounds JSON request bodies.
var defaultBodyLimit int64 = 1 << 20

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: r.URL.Query(); slice fields collect every value
//   - `header:"name"`: r.Header
//   - `cookie:"name"`: r.Cookie(name)
//   - `body:""`: the JSON request body, decoded into the field
//   - `maxLength:"n"`: byte limit for the value (body: for the whole body);
//     0 means no limit
//
// A field may carry several source tags; the first present source wins in the
// order path, query, header, cookie. Absent values leave the field unchanged.
// Leaf fields may be strings, bools, integers, floats or any
// encoding.TextUnmarshaler, or a slice of those for query values.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return unmarshalStruct(r, root)
}

type source struct {
	tag   string
	fetch func(r *http.Request, name string) []string
}

var sources = []source{
	{"path", func(r *http.Request, name string) []string {
		if v := r.PathValue(name); v != "" {
			return []string{v}
		}
		return nil
	}},
	{"query", func(r *http.Request, name string) []string {
		if r.URL == nil {
			return nil
		}
		return r.URL.Query()[name]
	}},
	{"header", func(r *http.Request, name string) []string {
		return r.Header.Values(name)
	}},
	{"cookie", func(r *http.Request, name string) []string {
		var out []string
		for _, c := range r.CookiesNamed(name) {
			out = append(out, c.Value)
		}
		return out
	}},
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func unmarshalStruct(r *http.Request, sv reflect.Value) error {
	t := sv.Type()
	bodySeen := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		limit, err := fieldLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		if _, ok := sf.Tag.Lookup("body"); ok {
			if bodySeen {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields"))
			}
			bodySeen = true
			if err := decodeBody(r, fv, int64(limit)); err != nil {
				return err
			}
			continue
		}

		tagged := false
		for _, src := range sources {
			name, ok := sf.Tag.Lookup(src.tag)
			if !ok {
				continue
			}
			tagged = true
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			vals := src.fetch(r, name)
			if len(vals) == 0 {
				continue
			}
			for _, s := range vals {
				if limit > 0 && len(s) > limit {
					return newEndpointError(http.StatusBadRequest, fmt.Sprintf("%s %q exceeds %d bytes", src.tag, name, limit), nil)
				}
			}
			if err := setValues(fv, vals); err != nil {
				return newEndpointError(http.StatusBadRequest, fmt.Sprintf("invalid %s %q", src.tag, name), err)
			}
			break
		}
		if tagged {
			continue
		}

		// Untagged struct fields are decoded recursively.
		if fv.Kind() == reflect.Struct && !reflect.PointerTo(fv.Type()).Implements(textUnmarshalerType) {
			if err := unmarshalStruct(r, fv); err != nil {
				return err
			}
		}
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	val, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		if _, body := sf.Tag.Lookup("body"); body {
			return int(defaultBodyLimit), nil
		}
		return defaultFieldLimit, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("maxLength: invalid value %q", val)
	}
	return n, nil
}

func decodeBody(r *http.Request, fv reflect.Value, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
		return newEndpointError(http.StatusUnsupportedMediaType, "request body must be application/json", err)
	}
	var body io.Reader = r.Body
	if limit > 0 {
		body = io.LimitReader(r.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return newEndpointError(http.StatusBadRequest, "could not read request body", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return newEndpointError(http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit), nil)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, fv.Addr().Interface()); err != nil {
		return newEndpointError(http.StatusBadRequest, "malformed JSON body", err)
	}
	return nil
}

func setValues(v reflect.Value, vals []string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 && !v.Addr().Type().Implements(textUnmarshalerType) {
		out := reflect.MakeSlice(v.Type(), 0, len(vals))
		for _, s := range vals {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setValue(elem, s); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
		return nil
	}
	return setValue(v, vals[0])
}

func setValue(v reflect.Value, s string) error {
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(s))
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported slice type %s", v.Type())
		}
		v.SetBytes([]byte(s))
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
