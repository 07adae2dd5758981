package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	tsclient "github.com/zatekoja/datasearch/internal/infrastructure/clients/typesense"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*TypesenseAdapter, *[]recordedRequest) {
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		rec := recordedRequest{method: r.Method, path: r.URL.Path}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		mu.Lock()
		requests = append(requests, rec)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := typesense.NewClient(
		typesense.WithServer(srv.URL),
		typesense.WithAPIKey("test"),
		typesense.WithConnectionTimeout(2*time.Second),
	)
	return NewTypesenseAdapter(tsclient.NewClientFromTypesense(client), 3), &requests
}

func TestTypesenseAdapter_EnsureSchemaCreatesMissingCollection(t *testing.T) {
	adapter, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"name":"datasets","fields":[],"num_documents":0,"created_at":1}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	require.NoError(t, adapter.EnsureSchema(context.Background()))

	require.Len(t, *requests, 2)
	create := (*requests)[1]
	assert.Equal(t, "/collections", create.path)
	assert.Equal(t, "datasets", create.body["name"])

	fields, ok := create.body["fields"].([]interface{})
	require.True(t, ok)
	var embedding map[string]interface{}
	for _, f := range fields {
		field := f.(map[string]interface{})
		if field["name"] == "embedding" {
			embedding = field
		}
	}
	require.NotNil(t, embedding)
	assert.Equal(t, "float[]", embedding["type"])
	assert.Equal(t, float64(3), embedding["num_dim"])
}

func TestTypesenseAdapter_EnsureSchemaExisting(t *testing.T) {
	adapter, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"datasets","fields":[],"num_documents":12,"created_at":1}`))
	})

	require.NoError(t, adapter.EnsureSchema(context.Background()))
	assert.Len(t, *requests, 1)
}

func TestTypesenseAdapter_Upsert(t *testing.T) {
	adapter, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"id-1"}`))
	})

	desc := "Passenger manifest"
	err := adapter.Upsert(context.Background(), &entities.Dataset{
		ID:          "id-1",
		SourceName:  entities.SourceKaggle,
		ExternalID:  "42",
		Title:       "Titanic",
		Description: &desc,
		Embedding:   []float32{0.1, 0.2, 0.3},
		UpdatedAt:   time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.True(t, strings.HasSuffix(req.path, "/collections/datasets/documents"))
	assert.Equal(t, "Titanic", req.body["title"])
	assert.Len(t, req.body["embedding"], 3)
}

func TestBuildDocumentOmitsEmptyOptionals(t *testing.T) {
	doc := buildDocument(&entities.Dataset{
		ID:         "id-2",
		SourceName: entities.SourceHuggingFace,
		ExternalID: "org/name",
		Title:      "org/name",
	})

	assert.Equal(t, "huggingface", doc["source_name"])
	assert.NotContains(t, doc, "description")
	assert.NotContains(t, doc, "tags")
	assert.NotContains(t, doc, "embedding")
	assert.NotContains(t, doc, "static_score")
}
