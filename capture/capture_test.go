package capture

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestNewBody_Kinds(t *testing.T) {
	tests := []struct {
		name string
		ct   string
		data string
		want Kind
	}{
		{"form", "application/x-www-form-urlencoded", "a=1&b=2", KindForm},
		{"json", "application/json; charset=utf-8", `{"a":1}`, KindJSON},
		{"problem json", "application/problem+json", `{"a":1}`, KindJSON},
		{"json that is not", "application/json", `{"a":`, KindText},
		{"text", "text/html", "<p>hi</p>", KindText},
		{"no content type", "", "hello", KindText},
		{"binary", "application/octet-stream", "\xff\xfe\x00", KindBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBody(tt.ct, []byte(tt.data))
			if b == nil {
				t.Fatal("nil body")
			}
			if b.Kind() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, b.Kind())
			}
		})
	}
	if NewBody("application/json", nil) != nil {
		t.Error("expected nil body for empty data")
	}
}

func TestBody_MarshalJSONTagged(t *testing.T) {
	bodies := []Body{
		FormBody{Values: url.Values{"grant_type": {"authorization_code"}}},
		JSONBody{Raw: json.RawMessage(`{"x":1}`)},
		TextBody{Text: "hi"},
		BinaryBody{Data: []byte{1, 2}},
	}
	for _, b := range bodies {
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("%s: %v", b.Kind(), err)
		}
		var got struct {
			Kind Kind `json:"kind"`
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if got.Kind != b.Kind() {
			t.Errorf("expected kind %s, got %s (%s)", b.Kind(), got.Kind, raw)
		}
	}
}

func TestRedact(t *testing.T) {
	form := FormBody{Values: url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"secret-code"},
		"code_verifier": {"secret-verifier"},
		"client_secret": {"secret"},
	}}
	out := Redact(form).(FormBody)
	for _, k := range []string{"code", "code_verifier", "client_secret"} {
		if out.Values.Get(k) != Redacted {
			t.Errorf("%s not redacted: %q", k, out.Values.Get(k))
		}
	}
	if out.Values.Get("grant_type") != "authorization_code" {
		t.Error("grant_type should be kept")
	}
	if form.Values.Get("code") != "secret-code" {
		t.Error("Redact modified its input")
	}

	js := Redact(JSONBody{Raw: json.RawMessage(`{"client_secret":"s","a":1}`)}).(JSONBody)
	if strings.Contains(string(js.Raw), `"s"`) {
		t.Errorf("client_secret not redacted: %s", js.Raw)
	}
}

func TestTransport_RecordsAndRedacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("code_verifier") != "verifier-value" {
			t.Errorf("server saw %q, transport must forward the real body", r.PostForm.Get("code_verifier"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	client := &http.Client{Transport: tr}
	form := url.Values{"code": {"c"}, "code_verifier": {"verifier-value"}}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client", "secret")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "access_token") {
		t.Errorf("response body not passed through: %s", body)
	}

	ex := tr.Last()
	if ex == nil {
		t.Fatal("no exchange recorded")
	}
	if ex.Request.Header.Get("Authorization") != Redacted {
		t.Errorf("authorization header not redacted: %q", ex.Request.Header.Get("Authorization"))
	}
	fb, ok := ex.Request.Body.(FormBody)
	if !ok {
		t.Fatalf("expected form body, got %T", ex.Request.Body)
	}
	if fb.Values.Get("code_verifier") != Redacted || fb.Values.Get("code") != Redacted {
		t.Errorf("request body not redacted: %v", fb.Values)
	}
	if ex.Response == nil || ex.Response.Status != http.StatusOK {
		t.Fatalf("unexpected response %+v", ex.Response)
	}
	if ex.Response.Body.Kind() != KindJSON {
		t.Errorf("expected json response body, got %s", ex.Response.Body.Kind())
	}
	if _, err := json.Marshal(ex); err != nil {
		t.Errorf("marshal exchange: %v", err)
	}
}

func TestTransport_RecordsFailure(t *testing.T) {
	tr := NewTransport(nil)
	client := &http.Client{Transport: tr}
	_, err := client.Get("http://127.0.0.1:1/unreachable")
	if err == nil {
		t.Fatal("expected error")
	}
	ex := tr.Last()
	if ex == nil || ex.Error == "" || ex.Response != nil {
		t.Errorf("expected failed exchange, got %+v", ex)
	}
}
