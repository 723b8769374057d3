package statsengine

import (
	"testing"
	"time"

	"stats-servicev1/internal/model"
)

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	unbounded := testConfig()
	unbounded.WindowSize = 0
	unbounded.WindowSpan = 0
	if err := unbounded.validate(); err == nil {
		t.Error("expected error when no window bound is set")
	}

	badTF := testConfig()
	badTF.Timeframes = []string{"5m", "xyz"}
	if err := badTF.validate(); err == nil {
		t.Error("expected error for unparseable timeframe")
	}
}

func TestConfig_ValidateClampsCointMinPeriods(t *testing.T) {
	cfg := testConfig()
	cfg.MinPeriodsCorrelation = 50
	cfg.MinPeriodsCointegration = 10
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinPeriodsCointegration != 50 {
		t.Errorf("expected cointegration min clamped to 50, got %d", cfg.MinPeriodsCointegration)
	}
}

func TestConfig_EngineConfigEnableList(t *testing.T) {
	cfg := testConfig()
	cfg.StatsEnabled = []string{"zscore", " Correlation "} // case and whitespace tolerant

	ec := cfg.EngineConfig()
	if !ec.ZScoreEnabled || !ec.CorrelationEnabled {
		t.Errorf("expected zscore and correlation enabled, got %+v", ec)
	}
	if ec.CointegrationEnabled {
		t.Error("expected cointegration disabled when absent from the list")
	}
}

func TestConfig_ParsedPairs(t *testing.T) {
	cfg := testConfig()
	cfg.Timeframes = []string{"5m", "1h"}
	cfg.Pairs = []string{"SPY:AAPL", "bad", "MSFT:MSFT", "", "AAPL:MSFT"}

	pairs := cfg.ParsedPairs()
	// 2 valid entries * 2 timeframes; "bad", self pair and empty skipped.
	if len(pairs) != 4 {
		t.Fatalf("expected 4 pair keys, got %d: %v", len(pairs), pairs)
	}
	if pairs[0] != model.NewPairKey("AAPL", "SPY", "5m") {
		t.Errorf("expected ordered pair AAPL:SPY 5m first, got %+v", pairs[0])
	}
	for _, p := range pairs {
		if p.SymbolA >= p.SymbolB {
			t.Errorf("pair not ordered: %+v", p)
		}
	}
}

func TestConfig_AllSymbolsIncludesPairMembers(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Pairs = []string{"AAPL:SPY", "MSFT:GOOG"}

	got := cfg.AllSymbols()
	want := []string{"AAPL", "SPY", "MSFT", "GOOG"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestConfig_Streams(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = []string{"AAPL", "SPY"}
	cfg.Timeframes = []string{"5m", "1h"}
	cfg.Pairs = nil

	streams := cfg.Streams()
	if len(streams) != 4 {
		t.Fatalf("expected 4 streams, got %d: %v", len(streams), streams)
	}
	if streams[0] != "bars:5m:AAPL" || streams[3] != "bars:1h:SPY" {
		t.Errorf("unexpected stream keys: %v", streams)
	}
}

func TestBuildPairIndex(t *testing.T) {
	pairs := []model.PairKey{
		model.NewPairKey("AAPL", "SPY", "5m"),
		model.NewPairKey("AAPL", "MSFT", "5m"),
	}
	index := buildPairIndex(pairs)

	if got := len(index["AAPL:5m"]); got != 2 {
		t.Errorf("expected AAPL in 2 pairs, got %d", got)
	}
	if got := len(index["SPY:5m"]); got != 1 {
		t.Errorf("expected SPY in 1 pair, got %d", got)
	}
	if _, ok := index["GOOG:5m"]; ok {
		t.Error("unexpected entry for unconfigured symbol")
	}
}

func TestTFDuration(t *testing.T) {
	tests := []struct {
		tf      string
		want    time.Duration
		wantErr bool
	}{
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"0m", 0, true},
		{"-5m", 0, true},
		{"daily", 0, true},
	}
	for _, tt := range tests {
		got, err := tfDuration(tt.tf)
		if (err != nil) != tt.wantErr {
			t.Errorf("tfDuration(%q): err=%v, wantErr=%v", tt.tf, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("tfDuration(%q) = %v, want %v", tt.tf, got, tt.want)
		}
	}
}
