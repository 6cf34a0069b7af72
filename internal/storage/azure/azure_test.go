package azure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/storage"
)

type storedBlob struct {
	content     []byte
	contentType string
	metadata    map[string]string
}

// newTestStorage points an AzureStorage at an httptest server imitating
// enough of the Blob REST API for Put and Exists.
func newTestStorage(t *testing.T) (*AzureStorage, map[string]*storedBlob) {
	t.Helper()

	var mu sync.Mutex
	blobs := map[string]*storedBlob{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				lk := strings.ToLower(k)
				if strings.HasPrefix(lk, "x-ms-meta-") && len(v) > 0 {
					meta[strings.TrimPrefix(lk, "x-ms-meta-")] = v[0]
				}
			}
			blobs[key] = &storedBlob{content: data, contentType: r.Header.Get("x-ms-blob-content-type"), metadata: meta}
			w.WriteHeader(http.StatusCreated)

		case http.MethodHead:
			if _, ok := blobs[key]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}
	return &AzureStorage{client: client, containerName: "container"}, blobs
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_ConfigErrors(t *testing.T) {
	cases := map[string]*config.AzureStorageConfig{
		"missing account name": {AccountKey: "a2V5", ContainerName: "c"},
		"missing account key":  {AccountName: "acct", ContainerName: "c"},
		"missing container":    {AccountName: "acct", AccountKey: "a2V5"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Put / Exists
// ---------------------------------------------------------------------------

func TestPutAndExists(t *testing.T) {
	s, blobs := newTestStorage(t)
	ctx := context.Background()
	body := []byte(`{"seq":7}` + "\n")

	ok, err := s.Exists(ctx, "audit/org-1/batch.ndjson")
	if err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v; want false, nil", ok, err)
	}

	res, err := s.Put(ctx, "audit/org-1/batch.ndjson", body, "application/x-ndjson")
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if res.Checksum != storage.Checksum(body) {
		t.Errorf("Checksum = %q", res.Checksum)
	}

	b, found := blobs["container/audit/org-1/batch.ndjson"]
	if !found {
		t.Fatalf("blob not stored; have %v", blobs)
	}
	if string(b.content) != string(body) {
		t.Errorf("content = %q", b.content)
	}
	if b.contentType != "application/x-ndjson" {
		t.Errorf("content type = %q", b.contentType)
	}
	if b.metadata[storage.ChecksumMetadataKey] != res.Checksum {
		t.Errorf("checksum metadata = %q", b.metadata[storage.ChecksumMetadataKey])
	}

	ok, err = s.Exists(ctx, "audit/org-1/batch.ndjson")
	if err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v; want true, nil", ok, err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
