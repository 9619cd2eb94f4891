package tracker

import (
	"fmt"
	"time"

	"poolplane/internal/store"
	"poolplane/internal/worker/runtime"

	"github.com/hashicorp/go-memdb"
)

const recordsTable = "records"

// Record is the tracker's view of one job. Records stored in the table are
// never mutated; updates insert a modified copy.
type Record struct {
	ID           string
	Token        string
	Pool         string
	Handle       runtime.Handle
	State        store.JobState
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	TerminalAt   *time.Time
	ExitCode     *int
	Detail       string
	LastActivity time.Time
}

func recordsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: recordsTable,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			"token": {
				Name:         "token",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Token",
				},
			},
			"state": {
				Name:         "state",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "State",
				},
			},
		},
	}
}

func newRecordsDB() (*memdb.MemDB, error) {
	return memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			recordsTable: recordsTableSchema(),
		},
	})
}

func firstRecord(tx *memdb.Txn, index, value string) (*Record, error) {
	raw, err := tx.First(recordsTable, index, value)
	if err != nil {
		return nil, fmt.Errorf("tracker: record lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Record), nil
}

// recordsInStates returns copies of the records in any of the given states.
func recordsInStates(tx *memdb.Txn, states ...store.JobState) ([]Record, error) {
	var out []Record
	for _, state := range states {
		iter, err := tx.Get(recordsTable, "state", string(state))
		if err != nil {
			return nil, fmt.Errorf("tracker: state lookup failed: %w", err)
		}
		for next := iter.Next(); next != nil; next = iter.Next() {
			out = append(out, *next.(*Record))
		}
	}
	return out, nil
}
