package fhir

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseSearchRequest(t *testing.T) {
	values, _ := url.ParseQuery("gender=male&code=a,b&code=c&_sort=name,-date&_offset=20&_count=10&_format=json&_tag=x,y")
	req := ParseSearchRequest("Observation", values)

	if req.ResourceType != "Observation" {
		t.Errorf("resource type = %s", req.ResourceType)
	}
	if req.Offset != 20 || req.Count != 10 {
		t.Errorf("paging = %d/%d", req.Offset, req.Count)
	}
	if !reflect.DeepEqual(req.Params["gender"], []string{"male"}) {
		t.Errorf("gender = %v", req.Params["gender"])
	}
	if len(req.Params["code"]) != 3 {
		t.Errorf("code = %v", req.Params["code"])
	}
	if _, ok := req.Params["_format"]; ok {
		t.Error("unknown control params must be ignored")
	}
	if !reflect.DeepEqual(req.Tags, []string{"x", "y"}) {
		t.Errorf("tags = %v", req.Tags)
	}
	if got := req.Sort.Fields(); !reflect.DeepEqual(got, []string{"name", "date"}) {
		t.Errorf("sort = %v", got)
	}
}

func TestParseSearchRequest_Defaults(t *testing.T) {
	req := ParseSearchRequest("Patient", url.Values{})
	if req.Offset != 0 || req.Count != 20 {
		t.Errorf("default paging = %d/%d", req.Offset, req.Count)
	}
	if len(req.Sort) != 1 || req.Sort[0].Field != LastUpdatedField || !req.Sort[0].Descending {
		t.Errorf("default sort = %+v", req.Sort)
	}
	if req.QueryString() != "" {
		t.Errorf("expected empty query string, got %q", req.QueryString())
	}
}

func TestParseSearchRequest_Text(t *testing.T) {
	values := url.Values{"_content": {"diabetes AND medication"}, "_text": {"  "}}
	req := ParseSearchRequest("Condition", values)
	if len(req.Text) != 1 {
		t.Fatalf("expected blank _text to be dropped, got %+v", req.Text)
	}
	if req.Text[0].Query != "diabetes medication" || req.Text[0].RequireNarrative {
		t.Errorf("unexpected predicate %+v", req.Text[0])
	}
}

func TestSearchRequest_BundleParams(t *testing.T) {
	values, _ := url.ParseQuery("name=Doe&_count=20&_offset=20&_sort=-_lastUpdated")
	req := ParseSearchRequest("Patient", values)

	bp := req.BundleParams("/fhir", 45)
	if bp.QueryStr != "_sort=-_lastUpdated&name=Doe" {
		t.Errorf("QueryStr = %q", bp.QueryStr)
	}

	b := NewSearchsetBundle(nil, bp)
	if got := b.LinkURL(LinkNext); got != "/fhir/Patient?_sort=-_lastUpdated&name=Doe&_offset=40&_count=20" {
		t.Errorf("next = %q", got)
	}
}
