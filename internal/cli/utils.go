// Package cli formats query responses, ingest summaries and status for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat returns the format named s; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case "", OutputText:
		return OutputText, nil
	case OutputCompact, OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (text, compact, json)", s)
	}
}

const rule = "─────────────────────────────────────────────────────────"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteQueryResponse writes a query response to w in the given format.
func WriteQueryResponse(w io.Writer, resp *models.Response, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, resp)
	case OutputCompact:
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Score, r.ChunkID, TruncateWords(utils.CollapseWhitespace(r.Content), 12))
		}
		return nil
	default:
		writeQueryResponseText(w, resp)
		return nil
	}
}

func writeQueryResponseText(w io.Writer, resp *models.Response) {
	fmt.Fprintf(w, "\nFound %d results in %dms (mode: %s", resp.Total, resp.QueryTime, resp.Mode)
	if resp.Cached && resp.CachedAt != nil {
		fmt.Fprintf(w, ", cached at %s", resp.CachedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w, ")")
	if resp.Fallback != "" {
		fmt.Fprintf(w, "Note: served %s because %s\n", resp.Fallback, resp.FallbackReason)
	}
	fmt.Fprintln(w)
	for _, r := range resp.Results {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (Vector: %.4f, Text: %.4f)\n", r.Rank, r.Score, r.VectorScore, r.TextScore)
		if r.Title != "" {
			fmt.Fprintf(w, "Title: %s\n", r.Title)
		}
		fmt.Fprintf(w, "Source: %s", r.Source)
		if r.Date != "" {
			fmt.Fprintf(w, " | Date: %s", r.Date)
		}
		fmt.Fprintln(w)
		if r.URL != "" {
			fmt.Fprintf(w, "URL: %s\n", r.URL)
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Content, 200))
	}
}

// WriteIngestResults writes one line per ingested document followed by totals.
func WriteIngestResults(w io.Writer, results []*models.IngestResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, results)
	}
	var written, failed, skipped, errored int
	for _, r := range results {
		written += r.ChunksWritten
		failed += r.Failed()
		name := r.DocumentID
		if name == "" {
			name = r.Source
		}
		switch {
		case r.Skipped:
			skipped++
			fmt.Fprintf(w, "skip   %s (unchanged)\n", name)
		case r.Error != "":
			errored++
			fmt.Fprintf(w, "error  %s: %s\n", name, r.Error)
		case r.Complete():
			fmt.Fprintf(w, "ok     %s: %d chunks in %s\n", name, r.ChunksWritten, r.Timings.Total)
		default:
			fmt.Fprintf(w, "partial %s: %d/%d chunks written\n", name, r.ChunksWritten, r.ChunksTotal)
		}
		if format == OutputCompact {
			continue
		}
		for _, f := range r.Failures {
			fmt.Fprintf(w, "       chunk %d (%s) failed at %s: %s\n", f.ChunkIndex, f.ChunkID, f.Stage, f.Reason)
		}
	}
	fmt.Fprintf(w, "\n%d documents: %d chunks written, %d failed, %d skipped, %d errors\n",
		len(results), written, failed, skipped, errored)
	return nil
}

// WriteStats writes store statistics.
func WriteStats(w io.Writer, stats *models.Stats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Documents:           %d\n", stats.Documents)
	fmt.Fprintf(w, "Chunks:              %d (%d unregistered)\n", stats.Chunks, stats.UnregisteredChunks)
	fmt.Fprintf(w, "Vector index size:   %d\n", stats.VectorIndexSize)
	fmt.Fprintf(w, "Text index size:     %d\n", stats.TextIndexSize)
	fmt.Fprintf(w, "Cached responses:    %d\n", stats.CacheEntries)
	fmt.Fprintf(w, "History records:     %d\n", stats.HistoryRecords)
	fmt.Fprintf(w, "Disk usage:          %s\n", FormatBytes(stats.DiskUsageBytes))
	return nil
}

// WriteHistory writes query history records, newest first.
func WriteHistory(w io.Writer, records []*models.HistoryRecord, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, records)
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s  %-40s  %d results", rec.CreatedAt.Format("2006-01-02 15:04:05"), utils.Truncate(rec.QueryText, 37), len(rec.Results))
		if rec.Feedback != "" {
			fmt.Fprintf(w, "  feedback: %s", rec.Feedback)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
