package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/services"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func renderState(w io.Writer, st services.State, queuedBytes int64, blobStore string) {
	connection := "offline"
	if st.IsOnline {
		connection = "online"
	}
	lastSync := "never"
	if st.LastSyncTime != nil {
		lastSync = humanize.Time(*st.LastSyncTime)
	}

	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"Connection", connection},
		{"Blob store", blobStore},
		{"Pending records", st.PendingCount},
		{"Pending attachments", fmt.Sprintf("%d (%s)", st.PendingAttachments, humanize.Bytes(uint64(queuedBytes)))},
		{"Failed records", st.FailedCount},
		{"Open duplicates", st.OpenDuplicates},
		{"Last sync", lastSync},
	})
	tw.Render()

	for _, e := range st.SyncErrors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

// recordRow is one line of the records table.
type recordRow struct {
	LocalID     string
	Kind        models.Kind
	Status      models.SyncStatus
	RetryCount  int
	CapturedAt  time.Time
	Attachments int
	Bytes       int64
	RemoteID    string
	LastError   string
}

func newRecordRow(rec *models.PendingRecord, atts []*models.PendingAttachment) recordRow {
	row := recordRow{
		LocalID:     rec.LocalID.String(),
		Kind:        rec.Kind,
		Status:      rec.SyncStatus,
		RetryCount:  rec.RetryCount,
		CapturedAt:  rec.CreatedAtTime(),
		Attachments: len(atts),
		RemoteID:    rec.RemoteID,
		LastError:   rec.LastError,
	}
	for _, a := range atts {
		row.Bytes += int64(a.Size())
	}
	return row
}

func renderRecords(w io.Writer, rows []recordRow, now time.Time) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Local ID", "Kind", "Status", "Retries", "Captured", "Attachments", "Remote ID", "Last error"})
	for _, r := range rows {
		tw.AppendRow(table.Row{
			r.LocalID,
			r.Kind,
			r.Status,
			r.RetryCount,
			humanize.RelTime(r.CapturedAt, now, "ago", "from now"),
			fmt.Sprintf("%d (%s)", r.Attachments, humanize.Bytes(uint64(r.Bytes))),
			r.RemoteID,
			truncate(r.LastError, 48),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "Total", humanize.Comma(int64(len(rows)))})
	tw.Render()
}

func renderSummary(w io.Writer, s scheduler.Summary) {
	if s.Skipped {
		fmt.Fprintln(w, "a sync cycle is already running for this owner")
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Trigger", "Total", "Synced", "Failed", "Duplicates", "Took"})
	tw.AppendRow(table.Row{s.Trigger, s.Total, s.Synced, s.Failed, s.Duplicates, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)})
	tw.Render()
	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "Recent errors:")
		fmt.Fprintln(w, "  "+strings.Join(s.Errors, "\n  "))
	}
}

func renderDuplicates(w io.Writer, dups []*models.DuplicateCandidate, now time.Time) {
	if len(dups) == 0 {
		fmt.Fprintln(w, "no open duplicates")
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Kind", "Table", "Match", "Synced row", "Existing row", "Detected"})
	for _, d := range dups {
		tw.AppendRow(table.Row{
			d.ID,
			d.Kind,
			d.Table,
			d.MatchField + "=" + d.MatchValue,
			d.SyncedRemoteID,
			d.ExistingRemoteID,
			humanize.RelTime(d.DetectedAtTime(), now, "ago", "from now"),
		})
	}
	tw.Render()
}
