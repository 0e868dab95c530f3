// Package fetch turns configured sources into record batches. A source is
// anything that can produce records: a JSON snapshot on disk, an HTTP
// endpoint serving the same shape.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.Record, error)
}

// FileSource reads a JSON array of records from disk.
type FileSource struct {
	SourceName string
	Path       string
}

func (s FileSource) Name() string { return s.SourceName }

func (s FileSource) Fetch(ctx context.Context) ([]domain.Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

// HTTPSource fetches a JSON array of records from a URL.
type HTTPSource struct {
	SourceName string
	URL        string
	Client     *http.Client
}

func (s HTTPSource) Name() string { return s.SourceName }

func (s HTTPSource) Fetch(ctx context.Context) ([]domain.Record, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch http %d", resp.StatusCode)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeRecords(buf)
}

func decodeRecords(data []byte) ([]domain.Record, error) {
	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for i, r := range records {
		if !r.Category.Valid() {
			return nil, fmt.Errorf("record %d: unknown category %q", i, r.Category)
		}
		if r.GroupID == "" {
			return nil, fmt.Errorf("record %d: missing group id", i)
		}
	}
	return records, nil
}
