package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"slotcal/internal/calendar"
	"slotcal/internal/model"
	"slotcal/internal/schedule"
	"slotcal/internal/slots"
)

func newTemplatesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "Fetch once and print the normalized slot templates as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			snap, err := fetchOnce(cmd.Context(), a)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap.Templates)
		},
	}
}

func newSlotsCmd(root *rootOptions) *cobra.Command {
	var (
		viewName string
		dateStr  string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Fetch once and print concrete slots for a day, week or month",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := calendar.ParseView(viewName)
			if err != nil {
				return err
			}
			a, err := loadApp(root)
			if err != nil {
				return err
			}

			date := a.svc.Now()
			if dateStr != "" {
				date, err = calendar.ParseDate(dateStr, a.svc.Location())
				if err != nil {
					return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", dateStr)
				}
			}

			if _, err := fetchOnce(cmd.Context(), a); err != nil {
				return err
			}
			win := a.svc.Slots(view, date)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(win.Slots)
			}
			return printSlotTable(cmd.OutOrStdout(), win, a.svc.Location())
		},
	}
	cmd.Flags().StringVar(&viewName, "view", "week", "View: day, week or month")
	cmd.Flags().StringVar(&dateStr, "date", "", "Anchor date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print slots as JSON")
	return cmd
}

func fetchOnce(ctx context.Context, a *app) (*schedule.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t := a.cfg.Upstream.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	snap, err := a.svc.Refresh(ctx)
	if err != nil {
		if snap != nil && snap.Hint != "" {
			return nil, fmt.Errorf("%w (hint: %s)", err, snap.Hint)
		}
		return nil, err
	}
	return snap, nil
}

// printSlotTable writes one block per day of the window.
func printSlotTable(w io.Writer, win schedule.Window, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s view %s .. %s\n", win.View, win.Start.Format("2006-01-02"), win.End.Format("2006-01-02"))

	for _, day := range slots.Days(win.Start, win.End, loc) {
		daySlots := slots.OnDay(win.Slots, day, loc)
		fmt.Fprintf(tw, "\n%s\t%s\n", day.Format("Mon 2006-01-02"), strings.Repeat("-", 20))
		if len(daySlots) == 0 {
			fmt.Fprintln(tw, "\t(none)")
			continue
		}
		for _, s := range daySlots {
			fmt.Fprintf(tw, "\t%s\t%s\t%s\n", formatRange(s, loc), s.Title, s.ID)
		}
	}
	return tw.Flush()
}

func formatRange(s model.Slot, loc *time.Location) string {
	start, end := s.Start.In(loc), s.End.In(loc)
	if slots.SameDay(start, end, loc) {
		return start.Format("15:04") + "-" + end.Format("15:04")
	}
	return start.Format("15:04") + "-" + end.Format("15:04") + " (+1)"
}
