package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerctx-go/pkg/core"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 8 << 20

func newIngestCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Ingest knowledge items from a JSONL file",
		Long: `Ingest knowledge items, one JSON object per line. Records without an
owner_id are assigned to --user. "-" reads standard input.

Example line:
  {"source":"gmail","source_id":"msg-1","content_kind":"email","title":"Q3 budget",
   "content":"...","entities":[{"name":"Sarah Chen","email":"sarah@acme.com"}]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			records, err := readRecords(in, flags.userID)
			if err != nil {
				return err
			}

			client, err := flags.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			result, err := client.BatchIngest(ctx, records)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ingested %d/%d items\n", result.IngestedCount, result.Total)
			for _, f := range result.Failed {
				fmt.Fprintf(out, "  record %d (%s): %v\n", f.Index+1, f.SourceID, f.Error)
			}
			if result.FailedCount > 0 {
				return fmt.Errorf("%d records failed", result.FailedCount)
			}
			return nil
		},
	}
	return cmd
}

// readRecords parses JSONL, skipping blank lines, and fills in defaultOwner
// where a record has none.
func readRecords(r io.Reader, defaultOwner string) ([]*core.IngestRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []*core.IngestRecord
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec core.IngestRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.OwnerID == "" {
			rec.OwnerID = defaultOwner
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
