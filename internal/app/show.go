package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"vaultwatch/internal/storage"
)

// Show prints recent cycle records, or recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(os.Stdout, alerts)
	}

	records, err := store.ListRecentCycleRecords(ctx, a.Config.App.Network, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountCycleRecords(ctx, a.Config.App.Network)
	if err != nil {
		return err
	}
	return writeCycleRecords(os.Stdout, records, total)
}

func writeCycleRecords(out io.Writer, records []storage.CycleRecord, total int64) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no cycles recorded")
		return nil
	}
	fmt.Fprintf(out, "showing %d of %d cycle records\n", len(records), total)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle (UTC)\tKind\tTouched\tClassified\tSkipped\tYellow\tRed\tDuration\tStatus\tError")
	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			rec.CycleTS.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.Touched,
			rec.Classified,
			rec.Skipped,
			rec.YellowCount,
			rec.RedCount,
			time.Duration(rec.DurationMS)*time.Millisecond,
			rec.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts recorded")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle (UTC)\tPosition\tOwner\tCollateral\tFrom\tTo\tRatio%\tChannels")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CycleTS.UTC().Format(time.RFC3339),
			alert.PositionID,
			alert.OwnerID,
			alert.CollateralID,
			alert.FromZone,
			alert.ToZone,
			formatDecimal(alert.RatioPct, 2),
			strings.Join(alert.Channels, ","),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func amountOrDash(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return v.String()
}
