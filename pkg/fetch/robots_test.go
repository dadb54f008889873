package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRobotsPolicy(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			io.WriteString(w, "User-agent: *\nDisallow: /admin\n")
		}
	}))
	defer server.Close()

	rp := NewRobotsPolicy(server.Client(), testLogger())
	base, _ := url.Parse(server.URL)

	assert.False(t, rp.Allowed(context.Background(), base.JoinPath("admin", "x"), "agent"))
	assert.True(t, rp.Allowed(context.Background(), base.JoinPath("search"), "agent"))
	assert.EqualValues(t, 1, fetches.Load(), "robots.txt is cached per host")
}

func TestRobotsPolicy_MissingFileAllowsAll(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	rp := NewRobotsPolicy(server.Client(), testLogger())
	target, _ := url.Parse(server.URL + "/anything")
	assert.True(t, rp.Allowed(context.Background(), target, "agent"))
}

func TestRobotsPolicy_UnreachableAllowsAll(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(server.URL + "/page")
	server.Close()

	rp := NewRobotsPolicy(http.DefaultClient, testLogger())
	assert.True(t, rp.Allowed(context.Background(), target, "agent"))
}
