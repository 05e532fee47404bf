package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "debug"}, &buf)
	logger.Debug().Str("component", "test").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("日志不是 JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "hello" || entry["component"] != "test" || entry["service"] != "vaultwatch" {
		t.Fatalf("字段不符合预期: %v", entry)
	}
	if entry["level"] != "debug" {
		t.Fatalf("期望 debug 级别, 实际 %v", entry["level"])
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus"}, &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info 级别下不应输出 debug 日志: %s", buf.String())
	}
	logger.Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info 日志缺失: %s", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console"}, &buf)
	logger.Info().Msg("pretty")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console 格式不应输出 JSON: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "pretty") {
		t.Fatalf("日志缺失消息: %s", buf.String())
	}
}
