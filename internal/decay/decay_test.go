package decay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/commontrace/engine/internal/model"
)

func TestHalfLifeDays(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want int
	}{
		{"no tags", nil, 365},
		{"unknown tags", []string{"zig", "cobol"}, 365},
		{"frontend framework", []string{"react"}, 180},
		{"infra", []string{"kubernetes"}, 730},
		{"minimum wins", []string{"kubernetes", "react", "python"}, 180},
		{"backend language", []string{"go"}, 365},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HalfLifeDays(tt.tags); got != tt.want {
				t.Errorf("HalfLifeDays(%v) = %d, want %d", tt.tags, got, tt.want)
			}
		})
	}
}

func TestLoadHalfLifeRules(t *testing.T) {
	origRules := halfLifeRules
	origDefault := DefaultHalfLifeDays
	t.Cleanup(func() {
		halfLifeRules = origRules
		DefaultHalfLifeDays = origDefault
	})

	path := filepath.Join(t.TempDir(), "half_life.yaml")
	body := "rules:\n  cobol: 3650\ndefault_days: 90\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	if err := LoadHalfLifeRules(path); err != nil {
		t.Fatalf("LoadHalfLifeRules failed: %v", err)
	}
	if got := HalfLifeDays([]string{"cobol"}); got != 3650 {
		t.Errorf("override table not applied: %d", got)
	}
	// The override replaces the whole table, so old entries are gone and
	// unmatched tags fall through to the new default.
	if got := HalfLifeDays([]string{"react"}); got != 90 {
		t.Errorf("expected new default 90 for unmatched tag, got %d", got)
	}

	if err := LoadHalfLifeRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing rules file")
	}
}

func TestTemporalDecayMonotonic(t *testing.T) {
	now := time.Now()
	prev := 2.0
	// Decay must be non-increasing in age when the retrieval anchor is fixed.
	for days := 0; days <= 2000; days += 50 {
		created := now.AddDate(0, 0, -days)
		f := TemporalDecayFactor(now, created, nil, nil)
		if f > prev {
			t.Errorf("decay increased at age %d days: %f > %f", days, f, prev)
		}
		if f < 0.3 || f > 1.0 {
			t.Errorf("decay out of [0.3, 1.0] at age %d days: %f", days, f)
		}
		prev = f
	}
}

func TestTemporalDecayFloor(t *testing.T) {
	now := time.Now()
	created := now.AddDate(-30, 0, 0) // 30 years old
	if f := TemporalDecayFactor(now, created, nil, nil); f != 0.3 {
		t.Errorf("expected floor 0.3 for ancient trace, got %f", f)
	}
}

func TestTemporalDecayRetrievalResetsAnchor(t *testing.T) {
	now := time.Now()
	created := now.AddDate(0, 0, -1000)
	retrieved := now.AddDate(0, 0, -1)

	stale := TemporalDecayFactor(now, created, nil, nil)
	fresh := TemporalDecayFactor(now, created, &retrieved, nil)
	if fresh <= stale {
		t.Errorf("retrieval should reset freshness: fresh=%f stale=%f", fresh, stale)
	}
	if fresh < 0.99 {
		t.Errorf("retrieved yesterday should be nearly fresh, got %f", fresh)
	}
}

func TestTemporalDecayHalfLifeAtHalfLife(t *testing.T) {
	now := time.Now()
	hl := 100
	created := now.AddDate(0, 0, -100)
	f := TemporalDecayFactor(now, created, nil, &hl)
	if f < 0.49 || f > 0.51 {
		t.Errorf("expected ~0.5 at exactly one half-life, got %f", f)
	}
}

func TestTemperatureMultiplierRange(t *testing.T) {
	for _, temp := range []model.Temperature{
		model.TemperatureHot, model.TemperatureWarm, model.TemperatureCool,
		model.TemperatureCold, model.TemperatureFrozen,
	} {
		m := TemperatureMultiplier(&temp)
		if m < 0.7 || m > 1.15 {
			t.Errorf("multiplier for %s out of [0.7, 1.15]: %f", temp, m)
		}
	}
	if m := TemperatureMultiplier(nil); m != 1.0 {
		t.Errorf("nil temperature should be neutral, got %f", m)
	}
	unknown := model.Temperature("LUKEWARM")
	if m := TemperatureMultiplier(&unknown); m != 1.0 {
		t.Errorf("unknown temperature should be neutral, got %f", m)
	}
}

func TestClassifyTemperature(t *testing.T) {
	now := time.Now()
	daysAgo := func(d int) *time.Time {
		ts := now.AddDate(0, 0, -d)
		return &ts
	}

	tests := []struct {
		name      string
		created   time.Time
		retrieved *time.Time
		count     int
		trust     float64
		want      model.Temperature
	}{
		// Distrusted and abandoned trace freezes.
		{"frozen", now.AddDate(0, 0, -300), daysAgo(200), 1, -1.5, model.TemperatureFrozen},
		{"frozen never retrieved", now.AddDate(0, 0, -300), nil, 0, -1.5, model.TemperatureFrozen},
		// Distrusted but recently retrieved stays cold, not frozen.
		{"cold from trust", now.AddDate(0, 0, -300), daysAgo(10), 1, -1.5, model.TemperatureCold},
		{"cold negative trust", now.AddDate(0, 0, -10), daysAgo(5), 1, -0.5, model.TemperatureCold},
		{"cold unretrieved 90d", now.AddDate(0, 0, -100), daysAgo(120), 1, 0.5, model.TemperatureCold},
		{"cold never retrieved old", now.AddDate(0, 0, -120), nil, 0, 0, model.TemperatureCold},
		{"hot recent retrieval", now.AddDate(0, 0, -100), daysAgo(5), 1, 0.5, model.TemperatureHot},
		{"hot high frequency", now.AddDate(0, 0, -100), daysAgo(20), 50, 0.5, model.TemperatureHot},
		{"warm", now.AddDate(0, 0, -100), daysAgo(20), 1, 0.5, model.TemperatureWarm},
		{"cool", now.AddDate(0, 0, -200), daysAgo(60), 1, 0.5, model.TemperatureCool},
		{"warm new unretrieved", now.AddDate(0, 0, -10), nil, 0, 0, model.TemperatureWarm},
		{"cool default", now.AddDate(0, 0, -60), nil, 0, 0, model.TemperatureCool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyTemperature(ClassifyParams{
				Now:             now,
				CreatedAt:       tt.created,
				LastRetrievedAt: tt.retrieved,
				RetrievalCount:  tt.count,
				TrustScore:      tt.trust,
			})
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
