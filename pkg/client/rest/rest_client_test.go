package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

func newClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewRESTClient(server.URL, &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

func writeStatus(w http.ResponseWriter, status *metav1.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(status.Code))
	_ = json.NewEncoder(w).Encode(status)
}

func TestNewRESTClient(t *testing.T) {
	_, err := NewRESTClient("localhost:8080", nil)
	assert.Error(t, err)

	c, err := NewRESTClient("http://localhost:8080/prefix/", nil)
	require.NoError(t, err)
	u := c.Get().AbsPath("/apis/cloud-streams.io/v1/gateways").URL()
	assert.Equal(t, "http://localhost:8080/prefix/apis/cloud-streams.io/v1/gateways", u.String())
}

func TestRequestBuilding(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotContentType string
	var gotBody []byte
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"main"}`))
	})

	var out struct {
		Name string `json:"name"`
	}
	err := client.Patch().
		AbsPath("/apis/cloud-streams.io/v1/namespaces/default/gateways/main").
		SubResource("status").
		Param("labelSelector", "tier=edge").
		ContentType(string(types.MergePatchType)).
		Body([]byte(`{"status":{}}`)).
		Do(context.Background()).
		Into(&out)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/apis/cloud-streams.io/v1/namespaces/default/gateways/main/status", gotPath)
	assert.Equal(t, "labelSelector=tier%3Dedge", gotQuery)
	assert.Equal(t, string(types.MergePatchType), gotContentType)
	assert.JSONEq(t, `{"status":{}}`, string(gotBody))
	assert.Equal(t, "main", out.Name)
}

func TestSubResourceSetTwice(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not be sent")
	})
	err := client.Get().AbsPath("/x").SubResource("status").SubResource("scale").Do(context.Background()).Error()
	assert.ErrorContains(t, err, "subresource already set")
}

func TestStatusErrors(t *testing.T) {
	gr := schema.GroupResource{Group: "cloud-streams.io", Resource: "gateways"}

	t.Run("NotFound", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeStatus(w, &apierrors.NewNotFound(gr, "main").ErrStatus)
		})
		err := client.Get().AbsPath("/apis/cloud-streams.io/v1/namespaces/default/gateways/main").Do(context.Background()).Into(&struct{}{})
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("Conflict", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeStatus(w, &apierrors.NewConflict(gr, "main", assert.AnError).ErrStatus)
		})
		_, err := client.Put().AbsPath("/x").Body(map[string]string{}).Do(context.Background()).Raw()
		assert.True(t, apierrors.IsConflict(err))
	})

	t.Run("PlainTextUnavailable", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusServiceUnavailable)
		})
		err := client.Get().AbsPath("/x").Do(context.Background()).Error()
		require.Error(t, err)
		assert.True(t, cserrors.IsUpstreamUnavailable(err))
	})
}

func TestTransportErrorIsUpstreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client, err := NewRESTClient(server.URL, nil)
	require.NoError(t, err)
	server.Close()

	err = client.Get().AbsPath("/x").Do(context.Background()).Error()
	require.Error(t, err)
	assert.True(t, cserrors.IsUpstreamUnavailable(err))
}

func TestStream(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("watch"))
		_, _ = w.Write([]byte("{\"type\":\"created\"}\n{\"type\":\"deleted\"}\n"))
	})

	body, err := client.Get().AbsPath("/x").Param("watch", "true").Stream(context.Background())
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"created\"}\n{\"type\":\"deleted\"}\n", string(data))

	failing := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, &apierrors.NewForbidden(schema.GroupResource{Resource: "gateways"}, "", assert.AnError).ErrStatus)
	})
	_, err = failing.Get().AbsPath("/x").Stream(context.Background())
	assert.True(t, apierrors.IsForbidden(err))
}
