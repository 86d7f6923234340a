package cachekey

import (
	"net/http"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://dev.localhost/chapters/1.json?lang=en", nil)
	key := ForRequest(r)
	if key != "GET:/chapters/1.json?lang=en" {
		t.Fatalf("Key is %s", key)
	}
	req, err := RequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "/chapters/1.json?lang=en" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestRequestFromKeyRejectsUnsafeMethods(t *testing.T) {
	if _, err := RequestFromKey("POST:/form"); err != ErrorMethodNotSupported {
		t.Fatalf("Error is %v", err)
	}
	if _, err := RequestFromKey("garbage"); err == nil {
		t.Fatalf("Malformed key accepted")
	}
}

func TestKeyDependsOnMethod(t *testing.T) {
	if Key("get", "/") != ForPath("/") {
		t.Fatalf("Method case should not matter")
	}
	if Key("HEAD", "/") == ForPath("/") {
		t.Fatalf("HEAD and GET share a key")
	}
}

func TestVaryFields(t *testing.T) {
	h := http.Header{}
	h.Add("Vary", "accept-encoding, Accept-Language")
	h.Add("Vary", "*")
	fields := VaryFields(h)
	want := []string{"Accept-Encoding", "Accept-Language", "*"}
	if len(fields) != len(want) {
		t.Fatalf("Fields are %v", fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("Fields are %v", fields)
		}
	}
}
