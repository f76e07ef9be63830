package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/srg/pawrgate/gateway"
	"github.com/srg/pawrgate/internal/registry"
)

var (
	syncedLabel   = color.New(color.FgGreen).Sprint("synced")
	desyncedLabel = color.New(color.FgYellow).Sprint("out of sync")
)

// displayStatus prints the tag table ordered by coordinate.
func displayStatus(w io.Writer, st gateway.Status) error {
	tags := append([]registry.SensorTag(nil), st.Tags...)
	sort.Slice(tags, func(i, j int) bool {
		a, b := tags[i].Coordinate, tags[j].Coordinate
		if a.Subevent != b.Subevent {
			return a.Subevent < b.Subevent
		}
		return a.Slot < b.Slot
	})

	waiting := make(map[registry.Coordinate]bool, len(st.Waiting))
	for _, c := range st.Waiting {
		waiting[c] = true
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%d of %d tags synced, %d poll rounds", st.SyncedCount, len(tags), st.Rounds)
	if st.Pairing != "" {
		fmt.Fprintf(tw, ", pairing %s", st.Pairing)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ADDRESS\tSUBEVENT\tSLOT\tSTATE\tMISSED\tAWAITING")
	fmt.Fprintln(tw, strings.Repeat("-", 72))

	for _, t := range tags {
		state := desyncedLabel
		if t.Synced {
			state = syncedLabel
		}
		awaiting := ""
		if waiting[t.Coordinate] {
			awaiting = "yes"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%s\n",
			t.Address, t.Coordinate.Subevent, t.Coordinate.Slot, state, t.MissedResponses, awaiting)
	}

	return tw.Flush()
}
