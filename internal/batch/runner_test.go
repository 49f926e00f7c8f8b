package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
)

type recordingProcessor struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (p *recordingProcessor) Process(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	switch job.DocumentID {
	case "broken":
		return nil, &pipeline.RunError{DocumentID: job.DocumentID, Reason: pipeline.ReasonExtraction, Err: errors.New("corrupt")}
	case "done":
		return &pipeline.Outcome{Result: &store.Result{DocumentID: job.DocumentID}, Skipped: true}, nil
	}
	return &pipeline.Outcome{Result: &store.Result{DocumentID: job.DocumentID}}, nil
}

func (p *recordingProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, j := range p.jobs {
		ids = append(ids, j.DocumentID)
	}
	sort.Strings(ids)
	return ids
}

// writeDocs creates the documents every manifest refers to
func writeDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("Contract "+name), 0o600); err != nil {
			t.Fatalf("Failed to write document: %v", err)
		}
	}
	return dir
}

func checkResult(t *testing.T, result *ProcessingResult, p *recordingProcessor) {
	t.Helper()
	if result.Total != 5 || result.Succeeded != 2 || result.Failed != 1 || result.Skipped != 1 || result.Invalid != 1 {
		t.Errorf("Unexpected result %+v", result)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Expected errors for the invalid and failed rows, got %v", result.Errors)
	}
	if got := strings.Join(p.ids(), ","); got != "broken,doc-a,doc-b,done" {
		t.Errorf("Unexpected processed ids %s", got)
	}
}

var manifestEntries = []Entry{
	{DocumentID: "doc-a", Path: "a.txt", Source: "lease-a"},
	{DocumentID: "doc-b", Path: "b.txt"},
	{DocumentID: "broken", Path: "c.txt"},
	{DocumentID: "done", Path: "d.txt"},
	{DocumentID: "missing", Path: "nope.txt"},
}

func TestProcessCSVManifest(t *testing.T) {
	dir := writeDocs(t)
	var b strings.Builder
	b.WriteString("document_id,path,source\n")
	for _, e := range manifestEntries {
		b.WriteString(e.DocumentID + "," + e.Path + "," + e.Source + "\n")
	}
	manifest := filepath.Join(dir, "manifest.csv")
	if err := os.WriteFile(manifest, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	p := &recordingProcessor{}
	runner := NewRunner(p, nil, Config{Workers: 3}, zap.NewNop())
	result, err := runner.ProcessManifest(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Failed to process manifest: %v", err)
	}
	checkResult(t, result, p)

	for _, job := range p.jobs {
		if job.DocumentID == "doc-a" && job.Source.Name != "lease-a" {
			t.Errorf("Expected source name from manifest, got %q", job.Source.Name)
		}
		if job.DocumentID == "doc-b" && job.Source.Name != "b.txt" {
			t.Errorf("Expected source name from path, got %q", job.Source.Name)
		}
		if !filepath.IsAbs(job.Source.Path) && !strings.HasPrefix(job.Source.Path, dir) {
			t.Errorf("Expected path resolved against manifest dir, got %s", job.Source.Path)
		}
	}
}

func TestProcessJSONLManifest(t *testing.T) {
	dir := writeDocs(t)
	var b strings.Builder
	for _, e := range manifestEntries {
		b.WriteString(`{"document_id":"` + e.DocumentID + `","path":"` + e.Path + `","source":"` + e.Source + `"}` + "\n")
	}
	manifest := filepath.Join(dir, "manifest.jsonl")
	if err := os.WriteFile(manifest, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	p := &recordingProcessor{}
	result, err := NewRunner(p, nil, Config{Workers: 2}, zap.NewNop()).ProcessManifest(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Failed to process manifest: %v", err)
	}
	checkResult(t, result, p)
}

func TestProcessParquetManifest(t *testing.T) {
	dir := writeDocs(t)
	manifest := filepath.Join(dir, "manifest.parquet")
	file, err := os.Create(manifest)
	if err != nil {
		t.Fatalf("Failed to create manifest: %v", err)
	}
	writer := parquet.NewWriter(file, parquet.SchemaOf(new(Entry)))
	for i := range manifestEntries {
		if err := writer.Write(&manifestEntries[i]); err != nil {
			t.Fatalf("Failed to write row: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	file.Close()

	p := &recordingProcessor{}
	result, err := NewRunner(p, nil, Config{Workers: 4}, zap.NewNop()).ProcessManifest(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Failed to process manifest: %v", err)
	}
	checkResult(t, result, p)
}

func TestEnqueueManifest(t *testing.T) {
	dir := writeDocs(t)
	manifest := filepath.Join(dir, "manifest.csv")
	content := "path\na.txt\nb.txt\n"
	if err := os.WriteFile(manifest, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	q := queue.NewMemoryQueue(10, 0)
	result, err := NewRunner(nil, q, Config{Workers: 2}, zap.NewNop()).ProcessManifest(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Failed to process manifest: %v", err)
	}
	if result.Succeeded != 2 {
		t.Errorf("Expected 2 queued documents, got %+v", result)
	}

	n, _ := q.Len(context.Background())
	if n != 2 {
		t.Fatalf("Expected 2 queued tasks, got %d", n)
	}
	d, _ := q.Dequeue(context.Background())
	data, _ := os.ReadFile(d.Task.SourcePath)
	if d.Task.DocumentID != pipeline.DocumentID(data) {
		t.Errorf("Expected content-derived id, got %s", d.Task.DocumentID)
	}
}

func TestCSVManifestWithoutPathColumn(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.csv")
	os.WriteFile(manifest, []byte("document_id,source\nx,y\n"), 0o600)

	_, err := NewRunner(&recordingProcessor{}, nil, Config{}, zap.NewNop()).ProcessManifest(context.Background(), manifest)
	if err == nil {
		t.Fatal("Expected error for manifest without path column")
	}
}

func TestDetectManifestFormat(t *testing.T) {
	tests := map[string]ManifestFormat{
		"docs.csv":          FormatCSV,
		"docs.PARQUET":      FormatParquet,
		"docs.jsonl":        FormatJSONL,
		"docs.json":         FormatJSONL,
		"docs":              FormatCSV,
		"/data/2024/x.tsv":  FormatCSV,
		"nested.dir/m.json": FormatJSONL,
	}
	for name, want := range tests {
		if got := DetectManifestFormat(name); got != want {
			t.Errorf("DetectManifestFormat(%q) = %s, want %s", name, got, want)
		}
	}
}
