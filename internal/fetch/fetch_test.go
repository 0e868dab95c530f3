package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fetch"
)

const sampleJSON = `[
  {"category":"announcement","group_id":"c1","group_label":"Algorithms","title":"Welcome","external_id":"a1","payload":{"content":"hi"}},
  {"category":"grade_item","group_id":"c1","title":"Quiz 1","payload":{"grade":"92","points_possible":"100"}}
]`

func writeSample(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestFileSource(t *testing.T) {
	src := fetch.FileSource{SourceName: "snapshot", Path: writeSample(t, sampleJSON)}
	recs, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Category != domain.CategoryAnnouncement || recs[0].Payload["content"] != "hi" {
		t.Errorf("first record = %+v", recs[0])
	}
}

func TestFileSourceRejectsUnknownCategory(t *testing.T) {
	src := fetch.FileSource{
		SourceName: "bad",
		Path:       writeSample(t, `[{"category":"forum","group_id":"c1","title":"x"}]`),
	}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("unknown category should fail")
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	src := fetch.HTTPSource{SourceName: "api", URL: srv.URL}
	recs, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestHTTPSourceNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := fetch.HTTPSource{SourceName: "api", URL: srv.URL}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("502 should fail")
	}
}

func TestMultiMergesInSourceOrder(t *testing.T) {
	a := fetch.FileSource{SourceName: "first", Path: writeSample(t, `[{"category":"announcement","group_id":"c1","title":"A"}]`)}
	b := fetch.FileSource{SourceName: "second", Path: writeSample(t, `[{"category":"announcement","group_id":"c1","title":"B"}]`)}

	recs, errs := fetch.Multi{Sources: []fetch.Source{a, b}}.Fetch(context.Background())
	if len(errs) != 0 {
		t.Fatalf("errors: %+v", errs)
	}
	if len(recs) != 2 || recs[0].Title != "A" || recs[1].Title != "B" {
		t.Fatalf("merge order wrong: %+v", recs)
	}
}

func TestMultiIsolatesFailingSource(t *testing.T) {
	good := fetch.FileSource{SourceName: "good", Path: writeSample(t, sampleJSON)}
	bad := fetch.FileSource{SourceName: "bad", Path: filepath.Join(t.TempDir(), "missing.json")}

	recs, errs := fetch.Multi{Sources: []fetch.Source{bad, good}}.Fetch(context.Background())
	if len(recs) != 2 {
		t.Fatalf("surviving source should contribute, got %d records", len(recs))
	}
	if len(errs) != 1 || errs[0].Source != "bad" {
		t.Fatalf("errors = %+v, want one from bad", errs)
	}
}

func TestMultiTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	slow := fetch.HTTPSource{SourceName: "slow", URL: srv.URL}
	_, errs := fetch.Multi{Sources: []fetch.Source{slow}, Timeout: 50 * time.Millisecond}.Fetch(context.Background())
	if len(errs) != 1 {
		t.Fatalf("slow source should time out, errs = %+v", errs)
	}
}
