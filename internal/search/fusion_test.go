package search

import (
	"math"
	"testing"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
)

func TestNormalizeKeywordScores(t *testing.T) {
	results := []*keyword.Result{
		{ID: "a", Score: 2},
		{ID: "b", Score: 4},
		{ID: "c", Score: 1},
	}
	m := NormalizeKeywordScores(results)
	if m["b"] != 1.0 {
		t.Errorf("max score should be 1.0, got %f", m["b"])
	}
	if m["a"] != 0.5 {
		t.Errorf("a should be 0.5, got %f", m["a"])
	}
	if len(m) != 3 {
		t.Errorf("expected 3 entries, got %d", len(m))
	}
}

func TestNormalizeSemanticScores(t *testing.T) {
	results := []models.BaseResult{
		{ID: "m1", BaseSimilarity: 0.9},
		{ID: "m2", BaseSimilarity: 0.5},
		{ID: "m3", BaseSimilarity: -0.2},
	}
	m := NormalizeSemanticScores(results)
	if m["m1"] != 0.9 || m["m2"] != 0.5 {
		t.Errorf("unexpected map %v", m)
	}
	if m["m3"] != 0 {
		t.Errorf("negative similarity should clamp to 0, got %f", m["m3"])
	}
}

func TestFuse(t *testing.T) {
	kw := map[string]float64{"m1": 1.0, "m2": 0.5}
	sem := map[string]float64{"m1": 0.5, "m2": 1.0, "m3": 0.2}
	results := Fuse(kw, sem, 1, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results should be sorted by score descending")
		}
	}
	if results[0].MessageID != "m2" {
		t.Errorf("m2 should win with semantic weight 0.75, got %s", results[0].MessageID)
	}
	if math.Abs(results[0].Score-0.875) > 1e-9 {
		t.Errorf("weights should be normalized: got %f, want 0.875", results[0].Score)
	}
}

func TestFuse_TiesBrokenByID(t *testing.T) {
	kw := map[string]float64{"b": 1, "a": 1, "c": 1}
	results := Fuse(kw, nil, 1, 0)
	if results[0].MessageID != "a" || results[1].MessageID != "b" || results[2].MessageID != "c" {
		t.Errorf("ties should be ordered by ID: %v %v %v", results[0].MessageID, results[1].MessageID, results[2].MessageID)
	}
}

func TestBaseResults(t *testing.T) {
	base := BaseResults([]*FusedResult{{MessageID: "m1", Score: 0.4}})
	if len(base) != 1 || base[0].ID != "m1" || base[0].BaseSimilarity != 0.4 {
		t.Errorf("unexpected base results %+v", base)
	}
}
