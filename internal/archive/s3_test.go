package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"crmsync/internal/models"
)

func TestStoreUploadsJobJSON(t *testing.T) {
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3Archive(Config{
		Bucket:    "archive",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Archive: %v", err)
	}
	a.now = func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) }

	job := models.WebhookJob{ID: "job-1", Provider: models.ProviderLPTracker, Payload: `{"data":"{}"}`, Attempts: 3, MaxAttempts: 3}
	key, err := a.Store(context.Background(), job, errors.New("LPTracker down"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if key != "failed-jobs/2024/03/09/lptracker/job-1.json" {
		t.Fatalf("unexpected key %q", key)
	}
	if gotPath != "/archive/"+key {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotType != "application/json" {
		t.Fatalf("unexpected content type %q", gotType)
	}
	var rec Record
	if err := json.Unmarshal(gotBody, &rec); err != nil {
		t.Fatalf("body is not a record: %v (%s)", err, gotBody)
	}
	if rec.Job.ID != "job-1" || rec.Error != "LPTracker down" || rec.Job.Attempts != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

type failingPutter struct{ calls int }

func (f *failingPutter) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	return nil, errors.New("access denied")
}

func TestStoreError(t *testing.T) {
	p := &failingPutter{}
	a := newS3Archive(p, Config{Bucket: "b", Prefix: "/custom/"})
	if key := a.Key(models.WebhookJob{ID: "x", Provider: models.ProviderAmoCRM}, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)); key != "custom/2024/01/02/amocrm/x.json" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, err := a.Store(context.Background(), models.WebhookJob{ID: "x"}, nil); err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected upload error, got %v", err)
	}
	a.HandleFailed(models.WebhookJob{ID: "y"}, errors.New("boom"))
	if p.calls != 2 {
		t.Fatalf("expected 2 uploads, got %d", p.calls)
	}
}

func TestNewS3ArchiveValidation(t *testing.T) {
	if _, err := NewS3Archive(Config{AccessKey: "k", SecretKey: "s"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := NewS3Archive(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected credentials error")
	}
}
