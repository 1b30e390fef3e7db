package txn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/types"
)

// DocStoreLedger implements Ledger on top of any docstore.Store,
// writing one small document per transaction id. It is the reference
// Ledger implementation; a deployment that already runs a DocStore
// backend gets transaction durability for free rather than needing a
// second storage system just for the ledger bit.
type DocStoreLedger struct {
	docs docstore.Store
}

// NewDocStoreLedger creates a Ledger backed by docs.
func NewDocStoreLedger(docs docstore.Store) *DocStoreLedger {
	return &DocStoreLedger{docs: docs}
}

func ledgerDocID(txID string) string {
	return "txledger/" + txID
}

// WriteCommitted durably records txID as committed. It is idempotent:
// writing the same txID twice (e.g. a retried Execute after a crash
// between WriteCommitted and its caller observing success) is not an
// error.
func (l *DocStoreLedger) WriteCommitted(ctx context.Context, txID string) error {
	entry := types.TxLedgerEntry{Committed: true}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errs.New(errs.CorruptRecord, txID, fmt.Errorf("marshal ledger entry: %w", err))
	}

	id := ledgerDocID(txID)
	_, _, err = l.docs.Get(ctx, id)
	if err == nil {
		return nil // already recorded
	}

	_, err = l.docs.Put(ctx, id, raw, 0)
	if err != nil && !errs.Is(err, errs.TerminalBackendError) {
		return err
	}
	// A TerminalBackendError (version conflict) here means a
	// concurrent WriteCommitted for the same txID won the race;
	// that's still "committed".
	return nil
}

// Delete removes txID's ledger entry. It is a no-op if no entry
// exists.
func (l *DocStoreLedger) Delete(ctx context.Context, txID string) error {
	return l.docs.Delete(ctx, ledgerDocID(txID))
}

// Read reports whether txID has a ledger entry and, if so, whether it
// recorded a commit.
func (l *DocStoreLedger) Read(ctx context.Context, txID string) (bool, bool, error) {
	raw, _, err := l.docs.Get(ctx, ledgerDocID(txID))
	if err != nil {
		if errs.Is(err, errs.KeyNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	var entry types.TxLedgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, false, errs.New(errs.CorruptRecord, txID, fmt.Errorf("unmarshal ledger entry: %w", err))
	}
	return entry.Committed, true, nil
}
