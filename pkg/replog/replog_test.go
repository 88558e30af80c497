package replog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/wal"
)

func openTestLog(t *testing.T) (*WalLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replog.log")
	opts := wal.DefaultOptions()
	opts.SyncPolicy = wal.SyncEveryWrite
	l, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l, path
}

func TestAppendAndReplayUpdate(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	id, err := rowid.New(2)
	if err != nil {
		t.Fatalf("rowid.New failed: %v", err)
	}
	cmd := UpdateCommand{
		RowId:         id,
		TxId:          "tx-1",
		CommitTableId: 1,
		Row:           []byte("row-bytes"),
		CommitTs:      clock.Timestamp{},
	}

	lsn, err := l.AppendUpdate(cmd)
	if err != nil {
		t.Fatalf("AppendUpdate failed: %v", err)
	}
	if lsn != 1 {
		t.Errorf("expected first LSN to be 1, got %d", lsn)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	var decoded []UpdateCommand
	err = l.Replay(func(e LogEntry) error {
		if e.Kind != KindUpdate {
			t.Fatalf("expected KindUpdate, got %v", e.Kind)
		}
		cmd, err := DecodeUpdate(e.Raw)
		if err != nil {
			return err
		}
		decoded = append(decoded, cmd)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 replayed entry, got %d", len(decoded))
	}
	if decoded[0].TxId != "tx-1" {
		t.Errorf("expected TxId tx-1, got %s", decoded[0].TxId)
	}
	if string(decoded[0].Row) != "row-bytes" {
		t.Errorf("expected row bytes to round-trip, got %q", decoded[0].Row)
	}
}

func TestAppendMixedKindsReplaysInOrder(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	if _, err := l.AppendFinishTx(FinishTxCommand{TxId: "tx-1", Commit: true}); err != nil {
		t.Fatalf("AppendFinishTx failed: %v", err)
	}
	if _, err := l.AppendTxCleanup(TxCleanupCommand{TxId: "tx-1", Commit: true}); err != nil {
		t.Fatalf("AppendTxCleanup failed: %v", err)
	}
	if _, err := l.AppendSafeTimeSync(SafeTimeSyncCommand{}); err != nil {
		t.Fatalf("AppendSafeTimeSync failed: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	var kinds []Kind
	err := l.Replay(func(e LogEntry) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	want := []Kind{KindFinishTx, KindTxCleanup, KindSafeTimeSync}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(kinds))
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("entry %d: expected kind %v, got %v", i, k, kinds[i])
		}
	}
}

func TestReplayEmptyLogReturnsNoEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.log")
	if f, err := os.Create(path); err != nil {
		t.Fatalf("Create failed: %v", err)
	} else {
		f.Close()
	}

	l := &WalLog{path: path}
	count := 0
	err := l.Replay(func(e LogEntry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay on empty file failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no entries from an empty log, got %d", count)
	}
}
