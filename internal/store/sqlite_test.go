package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/icscope/internal/agent"
	"github.com/dgnsrekt/icscope/internal/pipeline"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func callRecord(messageID, canister, method string) *pipeline.DecodedCall {
	return &pipeline.DecodedCall{
		Observed: time.Now(),
		URL:      "https://ic0.app/api/v2/canister/" + canister + "/call",
		Request: &agent.Request{
			MessageID:  messageID,
			Kind:       agent.KindCall,
			CanisterID: canister,
			Method:     method,
		},
		Response: &agent.Response{Kind: agent.KindCall, Status: agent.StatusUnknown},
	}
}

func TestArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("insert_and_get", func(t *testing.T) {
		a := openTestArchive(t)
		a.Record(callRecord("aa01", "ryjl3-tyaaa-aaaaa-aaaba-cai", "transfer"))

		row, ok, err := a.Get(ctx, "aa01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !ok {
			t.Fatal("expected row")
		}
		if row.Method != "transfer" || row.Status != "unknown" {
			t.Fatalf("unexpected row: %+v", row)
		}
	})

	t.Run("poll_updates_originating_call", func(t *testing.T) {
		a := openTestArchive(t)
		a.Record(callRecord("aa01", "ryjl3-tyaaa-aaaaa-aaaba-cai", "transfer"))

		a.Record(&pipeline.DecodedCall{
			Observed: time.Now(),
			Request: &agent.Request{
				MessageID:       "bb02",
				Kind:            agent.KindReadState,
				TargetMessageID: "aa01",
			},
			Response: &agent.Response{
				Kind:   agent.KindReadState,
				Status: agent.StatusReplied,
			},
		})

		row, ok, err := a.Get(ctx, "aa01")
		if err != nil || !ok {
			t.Fatalf("Get failed: ok=%v err=%v", ok, err)
		}
		if row.Status != "replied" {
			t.Fatalf("status = %q, want replied", row.Status)
		}
		// The poll itself does not become a row.
		if _, ok, _ := a.Get(ctx, "bb02"); ok {
			t.Fatal("read_state poll should not be archived as a call")
		}
	})

	t.Run("rejected_poll_records_detail", func(t *testing.T) {
		a := openTestArchive(t)
		a.Record(callRecord("aa01", "ryjl3-tyaaa-aaaaa-aaaba-cai", "transfer"))
		a.Record(&pipeline.DecodedCall{
			Observed: time.Now(),
			Request: &agent.Request{
				MessageID:       "bb02",
				Kind:            agent.KindReadState,
				TargetMessageID: "aa01",
			},
			Response: &agent.Response{
				Kind:          agent.KindReadState,
				Status:        agent.StatusRejected,
				RejectCode:    5,
				RejectMessage: "canister trapped",
			},
		})

		row, _, err := a.Get(ctx, "aa01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if row.RejectCode == nil || *row.RejectCode != 5 {
			t.Fatalf("reject_code = %v, want 5", row.RejectCode)
		}
		if row.RejectMessage == nil || *row.RejectMessage != "canister trapped" {
			t.Fatalf("reject_message = %v", row.RejectMessage)
		}
	})

	t.Run("list_filters", func(t *testing.T) {
		a := openTestArchive(t)
		a.Record(callRecord("aa01", "ryjl3-tyaaa-aaaaa-aaaba-cai", "transfer"))
		a.Record(callRecord("aa02", "ryjl3-tyaaa-aaaaa-aaaba-cai", "balance"))
		a.Record(callRecord("aa03", "rrkah-fqaaa-aaaaa-aaaaq-cai", "greet"))

		rows, err := a.List(ctx, ListFilter{CanisterID: "ryjl3-tyaaa-aaaaa-aaaba-cai"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}

		rows, err = a.List(ctx, ListFilter{Method: "greet"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(rows) != 1 || rows[0].MessageID != "aa03" {
			t.Fatalf("unexpected rows: %+v", rows)
		}
	})

	t.Run("decode_failure_without_request_is_skipped", func(t *testing.T) {
		a := openTestArchive(t)
		a.Record(&pipeline.DecodedCall{Observed: time.Now(), Error: "cbor envelope decode failed"})

		rows, err := a.List(ctx, ListFilter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("got %d rows, want 0", len(rows))
		}
	})
}
