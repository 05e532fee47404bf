package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"vaultwatch/internal/refcache"
	"vaultwatch/internal/risk"
	"vaultwatch/internal/vault"
)

// Check performs one initial sync and prints the yellow and red zones. With an owner it instead
// assesses every position held by that account.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	source, err := a.newSource()
	if err != nil {
		return err
	}
	defer source.Close()

	if opts.Owner != "" {
		positions, err := source.FetchPositionsByOwner(ctx, opts.Owner)
		if err != nil {
			return fmt.Errorf("fetch positions of %s: %w", opts.Owner, err)
		}
		cache := refcache.New(source, refcache.Options{PriceTTL: a.Config.Cache.PriceTTL, ParamsTTL: a.Config.Cache.ParamsTTL})
		classifier := a.newClassifier(source.Formula())

		rows := make([]assessedRow, 0, len(positions))
		for _, pos := range positions {
			row := assessedRow{Position: pos}
			ref, err := cache.Reference(ctx, pos.CollateralID)
			if err == nil {
				var params vault.CollateralParams
				params, err = cache.Params(ctx, pos.CollateralID)
				if err == nil {
					row.Assessment, err = classifier.Assess(pos, ref, params)
				}
			}
			row.Err = err
			rows = append(rows, row)
		}
		return writeAssessments(os.Stdout, rows)
	}

	svc, err := a.buildService(source, nil, false)
	if err != nil {
		return err
	}
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	zones := svc.Zones()
	return writeZones(os.Stdout, svc.Watermark(), map[vault.Zone]map[string]vault.Position{
		vault.ZoneRed:    zones.Snapshot(vault.ZoneRed),
		vault.ZoneYellow: zones.Snapshot(vault.ZoneYellow),
	})
}

type assessedRow struct {
	Position   vault.Position
	Assessment risk.Assessment
	Err        error
}

func writeZones(out io.Writer, marker vault.CycleMarker, zones map[vault.Zone]map[string]vault.Position) error {
	fmt.Fprintf(out, "cycle: %s\n", marker)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Zone\tPosition\tOwner\tCollateral\tDeposit\tDebt")

	total := 0
	for _, z := range []vault.Zone{vault.ZoneRed, vault.ZoneYellow} {
		bucket := zones[z]
		ids := make([]string, 0, len(bucket))
		for id := range bucket {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			pos := bucket[id]
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				z, id, pos.OwnerID, pos.CollateralID, amountOrDash(pos.Deposit), amountOrDash(pos.Debt))
			total++
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if total == 0 {
		fmt.Fprintln(out, "no positions at risk")
	}
	return nil
}

func writeAssessments(out io.Writer, rows []assessedRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no positions found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Position\tCollateral\tDeposit\tDebt\tRatio%\tLiquidation%\tZone\tError")
	for _, row := range rows {
		ratio, liq, zoneName, errMsg := "-", "-", "-", ""
		if row.Err != nil {
			errMsg = sanitizeInline(row.Err.Error())
		} else {
			ratio = formatDecimal(row.Assessment.CollateralRatioPct, 2)
			liq = formatDecimal(row.Assessment.LiquidationRatioPct, 2)
			zoneName = row.Assessment.Zone.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Position.ID,
			row.Position.CollateralID,
			amountOrDash(row.Position.Deposit),
			amountOrDash(row.Position.Debt),
			ratio, liq, zoneName, errMsg,
		)
	}
	return writer.Flush()
}
