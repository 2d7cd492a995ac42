package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/framesnap/framesnap/internal/history"
)

func printHistory(w io.Writer, dir string, limit int) error {
	store, err := history.Open(dir, nil)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	entries, err := store.List(limit)
	if err != nil {
		return err
	}
	writeHistory(w, entries)
	return nil
}

func writeHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSTATE\tWRITTEN\tSIZE\tVIDEO\tOUTPUT")
	for _, e := range entries {
		state := string(e.State)
		if e.ErrorKind != "" {
			state += " (" + e.ErrorKind + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			humanize.Time(e.FinishedAt), state, e.Written, e.Planned,
			humanize.Bytes(uint64(e.Bytes)), e.Video, e.OutputDir)
	}
	tw.Flush()
}
