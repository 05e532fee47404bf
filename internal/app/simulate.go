package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vaultwatch/internal/alerting"
	"vaultwatch/internal/vault"
)

// SimulateOptions describe the synthetic transition to alert on.
type SimulateOptions struct {
	PositionID     string
	RatioPct       decimal.Decimal
	LiquidationPct decimal.Decimal
}

// SimulateAlert 通过配置的告警通道发送一次模拟的红区告警。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note, err := simulatedNotification(a.Config.App.Network, opts, time.Now().UTC())
	if err != nil {
		return err
	}
	return notifier.Notify(ctx, note)
}

func simulatedNotification(network string, opts SimulateOptions, now time.Time) (alerting.Notification, error) {
	if opts.PositionID == "" {
		opts.PositionID = "simulated-KSM"
	}
	owner, collateral, ok := splitPositionID(opts.PositionID)
	if !ok {
		return alerting.Notification{}, errors.New("position id must look like <owner>-<collateral>")
	}
	if opts.LiquidationPct.IsZero() {
		opts.LiquidationPct = decimal.NewFromInt(150)
	}
	if opts.RatioPct.IsZero() {
		opts.RatioPct = opts.LiquidationPct.Mul(decimal.NewFromFloat(1.05))
	}

	return alerting.Notification{
		Network:        network,
		CycleAt:        now.Truncate(time.Hour),
		PositionID:     opts.PositionID,
		OwnerID:        owner,
		CollateralID:   collateral,
		From:           vault.ZoneYellow,
		To:             vault.ZoneRed,
		RatioPct:       opts.RatioPct,
		LiquidationPct: opts.LiquidationPct,
		AdditionalMsg:  "simulated alert",
	}, nil
}

func splitPositionID(id string) (owner, collateral string, ok bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
