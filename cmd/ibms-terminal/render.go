package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ehr/ibms/pkg/ibmsclient"
)

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func renderFloors(w io.Writer, floors []*ibmsclient.Floor) {
	tw := table(w)
	fmt.Fprintln(tw, "FLOOR\tTOTAL\tAVAILABLE\tOCCUPIED\tRESERVED\tCLEANING\tMAINT\tRATE")
	for _, f := range floors {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.0f%%\n",
			f.FloorNumber, f.TotalBeds, f.AvailableBeds, f.OccupiedBeds,
			f.ReservedBeds, f.CleaningBeds, f.MaintenanceBeds, f.OccupancyRate()*100)
	}
	tw.Flush()
}

func renderRooms(w io.Writer, rooms []*ibmsclient.Room) {
	tw := table(w)
	fmt.Fprintln(tw, "ROOM\tTYPE\tBEDS\tAVAILABLE\tOCCUPIED\tID")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RoomNumber, r.RoomType, r.TotalBeds, r.AvailableBeds, r.OccupiedBeds, r.ID)
	}
	tw.Flush()
}

func renderBeds(w io.Writer, beds []*ibmsclient.Bed) {
	tw := table(w)
	fmt.Fprintln(tw, "BED\tTYPE\tSTATUS\tNOTE\tID")
	for _, b := range beds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.BedNumber, b.BedType, b.Status, bedNote(b), b.ID)
	}
	tw.Flush()
}

func bedNote(b *ibmsclient.Bed) string {
	switch {
	case b.MaintenanceReason != nil:
		return *b.MaintenanceReason
	case b.ReservedReason != nil:
		return *b.ReservedReason
	}
	return ""
}

func renderHistory(w io.Writer, changes []*ibmsclient.StatusChange) {
	tw := table(w)
	fmt.Fprintln(tw, "AT\tEVENT\tFROM\tTO\tACTOR\tREASON")
	for _, ch := range changes {
		reason := ""
		if ch.Reason != nil {
			reason = *ch.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ch.OccurredAt.Format("2006-01-02 15:04:05"), ch.Event, ch.FromStatus, ch.ToStatus, ch.Actor, reason)
	}
	tw.Flush()
}
