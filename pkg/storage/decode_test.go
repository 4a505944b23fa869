package storage

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newPostRequest(body, contentType string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", contentType)
	return r
}

func TestDecodeSingleBSORejectsUnknownFields(t *testing.T) {
	r := newPostRequest(`{"id":"x","bogus":1}`, "application/json")
	if _, err := decodeSingleBSO(r, 1<<20); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestDecodeSingleBSOAcceptsKnownFields(t *testing.T) {
	r := newPostRequest(`{"id":"x","payload":"hi","sortindex":1,"ttl":60}`, "application/json")
	in, err := decodeSingleBSO(r, 1<<20)
	if err != nil {
		t.Fatalf("decodeSingleBSO() error = %v", err)
	}
	if in.ID != "x" || in.Payload == nil || *in.Payload != "hi" {
		t.Errorf("decoded = %+v", in)
	}
}

func TestDecodeSingleBSORejectsEmptyBody(t *testing.T) {
	r := newPostRequest("", "application/json")
	if _, err := decodeSingleBSO(r, 1<<20); err != errEmptyBody {
		t.Fatalf("decodeSingleBSO() error = %v, want errEmptyBody", err)
	}
}

func TestDecodeBSOListJSONArray(t *testing.T) {
	r := newPostRequest(`[{"id":"a"},{"id":"b"}]`, "application/json")
	items, err := decodeBSOList(r, 1<<20)
	if err != nil {
		t.Fatalf("decodeBSOList() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
}

func TestDecodeBSOListEmptyJSONIsLegal(t *testing.T) {
	r := newPostRequest("", "application/json")
	items, err := decodeBSOList(r, 1<<20)
	if err != nil {
		t.Fatalf("decodeBSOList() error = %v", err)
	}
	if items != nil {
		t.Errorf("items = %v, want nil for an empty no-op body", items)
	}
}

func TestDecodeBSOListNewlinesRequiresTrailingNewline(t *testing.T) {
	r := newPostRequest(`{"id":"a"}`, "application/newlines")
	if _, err := decodeBSOList(r, 1<<20); err == nil {
		t.Fatal("expected an error for a missing trailing newline")
	}
}

func TestDecodeBSOListNewlinesRejectsBlankLine(t *testing.T) {
	r := newPostRequest("{\"id\":\"a\"}\n\n{\"id\":\"b\"}\n", "application/newlines")
	if _, err := decodeBSOList(r, 1<<20); err == nil {
		t.Fatal("expected an error for a blank line")
	}
}

func TestDecodeBSOListNewlinesParsesEachLine(t *testing.T) {
	r := newPostRequest("{\"id\":\"a\"}\n{\"id\":\"b\"}\n", "application/newlines")
	items, err := decodeBSOList(r, 1<<20)
	if err != nil {
		t.Fatalf("decodeBSOList() error = %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Errorf("items = %+v", items)
	}
}

func TestCheckDeclaredSizesRejectsOverLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Weave-Records", "1000")
	limits := Limits{MaxPostRecords: 100}

	if checkDeclaredSizes(r, limits) {
		t.Error("expected declared size over the limit to be rejected")
	}
}

func TestCheckDeclaredSizesAllowsWithinLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Weave-Records", "10")
	limits := Limits{MaxPostRecords: 100}

	if !checkDeclaredSizes(r, limits) {
		t.Error("expected declared size within the limit to be allowed")
	}
}
