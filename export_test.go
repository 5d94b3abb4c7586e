package luffybot

import (
	"context"
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"
)

func TestExportRunsCSV(t *testing.T) {
	te := newTestEngine(t)
	now := time.Now().UTC()

	seedRun(t, te.store, "welcome", StatusSuccess, now.Add(-time.Hour), 12)
	seedRun(t, te.store, "homonym", StatusFailed, now.Add(-2*time.Hour), 7)
	// Outside the window: must not appear.
	seedRun(t, te.store, "categinex", StatusSuccess, now.AddDate(0, 0, -10), 5)

	path, err := te.engine.ExportRunsCSV(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 { // header + 2 in-window rows
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	header := strings.Join(rows[0], ",")
	want := "id,script_key,requester_id,requester_tag,public_request,status,return_code,started_at,ended_at,duration_seconds,log_path,note"
	if header != want {
		t.Fatalf("header = %s", header)
	}
	for _, row := range rows[1:] {
		if row[1] == "categinex" {
			t.Fatal("out-of-window row exported")
		}
	}
}

func TestExportRedactsNotes(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	id, err := te.store.InsertRun(ctx, RunInsert{
		ScriptKey: "welcome", StartedAt: UTCNowISO(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rc := 1
	if err := te.store.FinalizeRun(ctx, id, RunFinal{
		Status: StatusFailed, ReturnCode: &rc,
		Note: "crash with TOKEN=supersecret", EndedAt: UTCNowISO(), DurationSeconds: 1,
	}); err != nil {
		t.Fatal(err)
	}

	path, err := te.engine.ExportRunsCSV(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "TOKEN=supersecret") {
		t.Fatal("secret leaked into export")
	}
	if !strings.Contains(string(data), "TOKEN=[REDACTED]supersecret") {
		t.Fatal("note not redacted")
	}
}
