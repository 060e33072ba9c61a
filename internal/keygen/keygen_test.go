package keygen

import (
	"strings"
	"testing"

	"github.com/hyperengineering/restsync/internal/types"
)

func postListRequest(query string) *types.Request {
	return &types.Request{
		APIVersion: "1.1",
		Method:     "GET",
		Path:       "/sites/bobinprogress.wordpress.com/posts",
		Query:      query,
	}
}

const postListQuery = "status=publish%2Cprivate&order_by=date&order=DESC&author=6617482&type=post&site_visibility=visible&meta=counts"

func TestGenerateKey_IdenticalRequests(t *testing.T) {
	a := postListRequest(postListQuery)
	b := *a

	k1 := GenerateKey(a)
	k2 := GenerateKey(&b)

	if k1 != k2 {
		t.Errorf("identical requests produced %q and %q", k1, k2)
	}
	if !strings.HasPrefix(k1, Namespace) {
		t.Errorf("key %q missing namespace", k1)
	}
	if len(k1) != len(Namespace)+40 {
		t.Errorf("key %q should carry a 40-char SHA-1 digest", k1)
	}
}

func TestGenerateKey_QueryOrderIndependent(t *testing.T) {
	a := postListRequest(postListQuery)
	b := postListRequest("order_by=date&order=DESC&author=6617482&type=post&site_visibility=visible&meta=counts&status=publish%2Cprivate")

	if GenerateKey(a) != GenerateKey(b) {
		t.Error("reordered query parameters should produce the same key")
	}

	c := postListRequest("b=2&a=1")
	d := postListRequest("a=1&b=2")
	if GenerateKey(c) != GenerateKey(d) {
		t.Error("b=2&a=1 and a=1&b=2 should produce the same key")
	}
}

func TestGenerateKey_DifferentRequests(t *testing.T) {
	base := postListRequest(postListQuery)

	variants := []*types.Request{
		postListRequest("?filter=test"),
		postListRequest(""),
		{APIVersion: "1.2", Method: "GET", Path: base.Path, Query: base.Query},
		{APIVersion: "1.1", Method: "POST", Path: base.Path, Query: base.Query},
		{APIVersion: "1.1", Method: "GET", Path: "/sites/other/posts", Query: base.Query},
		postListRequest(postListQuery + "&page_handle=abc"),
	}

	k := GenerateKey(base)
	for i, v := range variants {
		if GenerateKey(v) == k {
			t.Errorf("variant %d produced the same key as the base request", i)
		}
	}
}

func TestGenerateKey_MethodCaseInsensitive(t *testing.T) {
	a := &types.Request{Method: "get", Path: "/me"}
	b := &types.Request{Method: "GET", Path: "/me"}
	if GenerateKey(a) != GenerateKey(b) {
		t.Error("method case should not affect the key")
	}
}

func TestGenerateRawKey_Layout(t *testing.T) {
	got := GenerateRawKey(&types.Request{APIVersion: "1.1", Method: "GET", Path: "/me", Query: "b=2&a=1"})
	want := "1.1-GET-/me-a=1&b=2"
	if got != want {
		t.Errorf("GenerateRawKey = %q, want %q", got, want)
	}

	got = GenerateRawKey(&types.Request{Method: "GET", Path: "/me"})
	if got != "-GET-/me" {
		t.Errorf("GenerateRawKey without version/query = %q", got)
	}
}

func TestCanonicalQuery_RepeatedParamsKeepOrder(t *testing.T) {
	got := CanonicalQuery("z=1&tag=b&a=2&tag=a")
	want := "a=2&tag=b&tag=a&z=1"
	if got != want {
		t.Errorf("CanonicalQuery = %q, want %q", got, want)
	}
}

func TestStripQueryParam(t *testing.T) {
	tests := []struct {
		query, name, want string
	}{
		{"a=1&page_handle=x&b=2", "page_handle", "a=1&b=2"},
		{"page_handle=x", "page_handle", ""},
		{"a=1", "page_handle", "a=1"},
		{"", "page_handle", ""},
		{"page_handle_extra=1", "page_handle", "page_handle_extra=1"},
	}

	for _, tt := range tests {
		if got := StripQueryParam(tt.query, tt.name); got != tt.want {
			t.Errorf("StripQueryParam(%q, %q) = %q, want %q", tt.query, tt.name, got, tt.want)
		}
	}
}

func TestPageSeriesKey_SharedAcrossPages(t *testing.T) {
	first := postListRequest(postListQuery)
	next := postListRequest(postListQuery + "&page_handle=2014-11-24T13%3A39%3A39-08%3A00%26id=1307")

	if PageSeriesKey(first, "") != PageSeriesKey(next, "") {
		t.Error("all pages of a listing should share a page series key")
	}
	if PageSeriesKey(first, "") != GenerateKey(first) {
		t.Error("series key of a first page should equal its own key")
	}
	if next.Query == first.Query {
		t.Error("PageSeriesKey must not mutate the request")
	}
}

func TestHasQueryParam(t *testing.T) {
	if !HasQueryParam("a=1&page_handle=x", "page_handle") {
		t.Error("expected page_handle to be found")
	}
	if HasQueryParam("a=1", "page_handle") {
		t.Error("unexpected page_handle match")
	}
}

func TestIsRecordKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"sync-record-test", true},
		{GenerateKey(&types.Request{Method: "GET", Path: "/me"}), true},
		{"sync-record-", false},
		{"sync-record-a.b", false},
		{"records-list", false},
		{"test", false},
	}

	for _, tt := range tests {
		if got := IsRecordKey(tt.key); got != tt.want {
			t.Errorf("IsRecordKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
