package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"ingest-lab/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
)

// Offline inspector for the upload queue. Opens the badger store read-only
// and renders batches with their sessions, so a stuck pipeline can be
// diagnosed without attaching a debugger to the running daemon.
func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	batchFilter := flag.String("batch", "", "Only show sessions of this batch ID")
	colours := flag.Bool("colours", true, "Colorize session states")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	batches, err := scan[domain.Batch](db, "batch:")
	if err != nil {
		log.Fatal(err)
	}
	sessions, err := scan[domain.UploadSession](db, "session:")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%d batches, %d sessions\n\n", len(batches), len(sessions))
	renderBatches(batches)
	fmt.Println()
	renderSessions(sessions, domain.BatchID(*batchFilter), *colours)
}

func renderBatches(batches []domain.Batch) {
	table := newTable([]string{"Batch", "Name", "Kind", "Status", "Total", "Done", "Failed", "Updated"})
	for _, b := range batches {
		table.Append([]string{
			shortID(string(b.ID)),
			b.Name,
			b.Kind,
			string(b.Status),
			fmt.Sprint(b.TotalFiles),
			fmt.Sprint(b.CompletedFiles),
			fmt.Sprint(b.FailedFiles),
			b.UpdatedAt.Format("15:04:05"),
		})
	}
	table.Render()
}

func renderSessions(sessions []domain.UploadSession, batchFilter domain.BatchID, colours bool) {
	table := newTable([]string{"Session", "Batch", "File", "Size", "Chunks", "Status", "Retries", "Failure"})
	for _, s := range sessions {
		if batchFilter != "" && s.BatchID != batchFilter {
			continue
		}
		status := string(s.Status)
		if colours {
			status = colorStatus(s.Status)
		}
		table.Append([]string{
			shortID(string(s.ID)),
			shortID(string(s.BatchID)),
			s.Filename,
			fmt.Sprint(s.TotalSize),
			fmt.Sprint(s.ChunksCount),
			status,
			fmt.Sprint(s.RetryCount()),
			s.Meta(domain.MetaFailure),
		})
	}
	table.Render()
}

func colorStatus(s domain.SessionStatus) string {
	switch s {
	case domain.StatusCompleted:
		return color.New(color.FgGreen).Render(string(s))
	case domain.StatusFailed, domain.StatusVirusDetected:
		return color.New(color.FgRed).Render(string(s))
	case domain.StatusCancelled:
		return color.New(color.FgGray).Render(string(s))
	default:
		return color.New(color.FgYellow).Render(string(s))
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func scan[T any](db *badger.DB, prefix string) ([]T, error) {
	var out []T
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var entity T
				if err := json.Unmarshal(v, &entity); err != nil {
					// Log and keep scanning instead of aborting the whole dump
					fmt.Printf("Error unmarshaling key %s: %v\n", string(item.Key()), err)
					return nil
				}
				out = append(out, entity)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Log truncate required") {
			// Open in write mode once so badger can truncate, then reopen read-only
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}
			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
