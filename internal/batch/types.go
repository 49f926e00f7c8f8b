package batch

import (
	"path/filepath"
	"strings"
	"time"
)

// Entry is one manifest row naming a document on disk
type Entry struct {
	DocumentID string `csv:"document_id" parquet:"document_id" json:"document_id"`
	Path       string `csv:"path" parquet:"path" json:"path"`
	Source     string `csv:"source" parquet:"source" json:"source"`
}

// ProcessingResult represents the result of processing a manifest
type ProcessingResult struct {
	Total     int64         `json:"total"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Skipped   int64         `json:"skipped"`
	Invalid   int64         `json:"invalid"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

// Config contains batch runner configuration
type Config struct {
	Workers        int `yaml:"workers" mapstructure:"workers"`
	ProgressReport int `yaml:"progress_report" mapstructure:"progress_report"`
	MaxErrors      int `yaml:"max_errors" mapstructure:"max_errors"`
}

// ManifestFormat represents supported manifest formats
type ManifestFormat string

const (
	FormatCSV     ManifestFormat = "csv"
	FormatParquet ManifestFormat = "parquet"
	FormatJSONL   ManifestFormat = "jsonl"
)

// DetectManifestFormat detects the manifest format from its extension
func DetectManifestFormat(filename string) ManifestFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}
