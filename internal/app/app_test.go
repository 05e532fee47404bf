package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/alerting"
	"vaultwatch/internal/config"
	"vaultwatch/internal/risk"
	"vaultwatch/internal/storage"
	"vaultwatch/internal/vault"
)

func testApp(network string) *App {
	cfg := &config.Config{}
	cfg.App.Network = network
	cfg.Indexer.Endpoint = "http://127.0.0.1:1/graphql"
	cfg.Scheduler.PollInterval = time.Second
	cfg.Scheduler.CycleInterval = time.Hour
	cfg.Scheduler.Workers = 2
	cfg.Alerting.Zones = []string{"red"}
	return NewApp(cfg, zerolog.Nop())
}

func TestNewSourceSelectsFormula(t *testing.T) {
	cases := []struct {
		network string
		rpc     string
		want    risk.Formula
	}{
		{network: config.NetworkAcala, want: risk.FormulaPriced},
		{network: config.NetworkKarura, want: risk.FormulaRaw},
		{network: config.NetworkKarura, rpc: "http://127.0.0.1:8545", want: risk.FormulaPriced},
	}
	for _, tc := range cases {
		a := testApp(tc.network)
		a.Config.Ethereum.RPCURL = tc.rpc
		a.Config.Ethereum.OracleAddress = "0x0000000000000000000000000000000000000801"
		source, err := a.newSource()
		if err != nil {
			t.Fatalf("%s: 创建数据源失败: %v", tc.network, err)
		}
		if source.Network() != tc.network {
			t.Fatalf("期望网络 %s, 实际 %s", tc.network, source.Network())
		}
		if source.Formula() != tc.want {
			t.Fatalf("%s rpc=%q: 期望公式 %s, 实际 %s", tc.network, tc.rpc, tc.want, source.Formula())
		}
		source.Close()
	}
}

func TestNewSourceRejectsUnknownNetwork(t *testing.T) {
	if _, err := testApp("polkadot").newSource(); err == nil {
		t.Fatal("未知网络应返回错误")
	}
}

func TestNewNotifierRespectsAlertingSwitch(t *testing.T) {
	a := testApp(config.NetworkKarura)
	if a.newNotifier() != nil {
		t.Fatal("alerting 未启用时不应创建通知器")
	}

	a.Config.Alerting.Enabled = true
	multi, ok := a.newNotifier().(alerting.Multi)
	if !ok || len(multi) != 1 {
		t.Fatalf("仅日志通道时期望 1 个通知器, 实际 %#v", a.newNotifier())
	}

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	multi = a.newNotifier().(alerting.Multi)
	if len(multi) != 2 {
		t.Fatalf("启用 Telegram 后期望 2 个通知器, 实际 %d", len(multi))
	}
}

func TestBuildServiceRejectsUnknownAlertZone(t *testing.T) {
	a := testApp(config.NetworkKarura)
	a.Config.Alerting.Zones = []string{"purple"}
	source, err := a.newSource()
	if err != nil {
		t.Fatalf("创建数据源失败: %v", err)
	}
	defer source.Close()

	if _, err := a.buildService(source, nil, true); err == nil {
		t.Fatal("非法告警区间应返回错误")
	}
}

func TestDownsampleRecords(t *testing.T) {
	records := make([]storage.CycleRecord, 10)
	for i := range records {
		records[i].Touched = i
	}

	if got := downsampleRecords(records, 0); len(got) != 10 {
		t.Fatalf("max=0 时不应抽样, 实际 %d", len(got))
	}

	got := downsampleRecords(records, 4)
	if len(got) != 4 {
		t.Fatalf("期望 4 个点, 实际 %d", len(got))
	}
	if got[0].Touched != 0 || got[3].Touched != 9 {
		t.Fatalf("抽样应保留首尾: %d..%d", got[0].Touched, got[3].Touched)
	}

	if got := downsampleRecords(records, 1); len(got) != 1 || got[0].Touched != 9 {
		t.Fatalf("max=1 应保留最新一条, 实际 %+v", got)
	}
}

func TestWriteRecordsCSV(t *testing.T) {
	msg := "indexer\nunavailable"
	records := []storage.CycleRecord{
		{CycleTS: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Network: "karura", Kind: "initial", Touched: 3, Classified: 3, YellowCount: 1, RedCount: 1, DurationMS: 42, Status: "complete"},
		{CycleTS: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), Network: "karura", Kind: "catchup", Touched: 1, Skipped: 1, Status: "failed", Error: &msg},
	}

	path := filepath.Join(t.TempDir(), "nested", "cycles.csv")
	if err := writeRecordsCSV(path, records); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望 3 行 (含表头), 实际 %d", len(rows))
	}
	if rows[0][0] != "cycle_ts" || rows[1][0] != "2024-01-01T00:00:00Z" {
		t.Fatalf("CSV 内容不符: %v", rows[:2])
	}
	if rows[1][6] != "1" || rows[1][7] != "1" || rows[1][8] != "42" {
		t.Fatalf("区间计数不符: %v", rows[1])
	}
	if rows[2][10] != msg {
		t.Fatalf("错误信息应原样保留, 实际 %q", rows[2][10])
	}
}

func TestWriteRecordsPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	err := writeRecordsPNG(path, []storage.CycleRecord{{CycleTS: time.Now()}})
	if err == nil {
		t.Fatal("单个点无法绘图, 应返回错误")
	}
}

func TestWriteZones(t *testing.T) {
	var buf bytes.Buffer
	marker := vault.CycleMarker{At: time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)}
	err := writeZones(&buf, marker, map[vault.Zone]map[string]vault.Position{
		vault.ZoneRed: {
			"alice-KSM": {ID: "alice-KSM", OwnerID: "alice", CollateralID: "KSM", Deposit: big.NewInt(105), Debt: big.NewInt(100)},
		},
		vault.ZoneYellow: {
			"bob-KSM": {ID: "bob-KSM", OwnerID: "bob", CollateralID: "KSM", Deposit: big.NewInt(115), Debt: big.NewInt(100)},
		},
	})
	if err != nil {
		t.Fatalf("输出失败: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "cycle: 2024-01-01T05:00:00Z") {
		t.Fatalf("缺少周期信息: %s", out)
	}
	red := strings.Index(out, "alice-KSM")
	yellow := strings.Index(out, "bob-KSM")
	if red < 0 || yellow < 0 || red > yellow {
		t.Fatalf("红区应排在黄区之前: %s", out)
	}
}

func TestWriteZonesEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeZones(&buf, vault.CycleMarker{}, nil); err != nil {
		t.Fatalf("输出失败: %v", err)
	}
	if !strings.Contains(buf.String(), "cycle: none") || !strings.Contains(buf.String(), "no positions at risk") {
		t.Fatalf("空结果输出不符: %s", buf.String())
	}
}

func TestWriteAssessments(t *testing.T) {
	var buf bytes.Buffer
	rows := []assessedRow{
		{
			Position: vault.Position{ID: "alice-KSM", CollateralID: "KSM", Deposit: big.NewInt(105), Debt: big.NewInt(100)},
			Assessment: risk.Assessment{
				CollateralRatioPct:  decimal.NewFromInt(105),
				LiquidationRatioPct: decimal.NewFromInt(100),
				Zone:                vault.ZoneRed,
			},
		},
		{
			Position: vault.Position{ID: "alice-DOT", CollateralID: "DOT"},
			Err:      errors.New("not found:\nDOT"),
		},
	}
	if err := writeAssessments(&buf, rows); err != nil {
		t.Fatalf("输出失败: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"105.00", "100.00", "red", "not found: DOT"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q: %s", want, out)
		}
	}
}

func TestWriteCycleRecordsAndAlerts(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCycleRecords(&buf, nil, 0); err != nil || !strings.Contains(buf.String(), "no cycles recorded") {
		t.Fatalf("空周期输出不符: %v %s", err, buf.String())
	}

	buf.Reset()
	records := []storage.CycleRecord{{CycleTS: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Kind: "catchup", Status: "complete"}}
	if err := writeCycleRecords(&buf, records, 42); err != nil {
		t.Fatalf("输出失败: %v", err)
	}
	if !strings.Contains(buf.String(), "showing 1 of 42 cycle records") {
		t.Fatalf("缺少总数: %s", buf.String())
	}

	buf.Reset()
	err := writeAlerts(&buf, []storage.AlertRecord{{
		CycleTS:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PositionID: "alice-KSM",
		FromZone:   "yellow",
		ToZone:     "red",
		RatioPct:   decimal.RequireFromString("105.123"),
		Channels:   []string{"telegram", "log"},
	}})
	if err != nil {
		t.Fatalf("输出失败: %v", err)
	}
	for _, want := range []string{"alice-KSM", "105.12", "telegram,log"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("输出缺少 %q: %s", want, buf.String())
		}
	}
}

func TestSimulatedNotification(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)
	note, err := simulatedNotification("karura", SimulateOptions{PositionID: "alice-KSM"}, now)
	if err != nil {
		t.Fatalf("构造模拟告警失败: %v", err)
	}
	if note.OwnerID != "alice" || note.CollateralID != "KSM" {
		t.Fatalf("仓位 id 解析错误: %+v", note)
	}
	if note.From != vault.ZoneYellow || note.To != vault.ZoneRed {
		t.Fatalf("应模拟黄区到红区: %s -> %s", note.From, note.To)
	}
	if !note.LiquidationPct.Equal(decimal.NewFromInt(150)) || !note.RatioPct.Equal(decimal.RequireFromString("157.5")) {
		t.Fatalf("默认比例不符: %s / %s", note.RatioPct, note.LiquidationPct)
	}
	if !note.CycleAt.Equal(time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("周期时间应按小时截断: %s", note.CycleAt)
	}

	if _, err := simulatedNotification("karura", SimulateOptions{PositionID: "nodash"}, now); err == nil {
		t.Fatal("非法仓位 id 应返回错误")
	}
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a := testApp(config.NetworkKarura)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := a.SimulateAlert(ctx, SimulateOptions{}); err == nil {
		t.Fatal("alerting 未启用时应返回错误")
	}
}
