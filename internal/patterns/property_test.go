package patterns

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const propertyOps = 16

var strategies = []Strategy{StrategyConservative, StrategyAggressive, StrategyNuclear}

func propertyParameters(runs int) *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = runs
	return params
}

// recordAll records one promotion per op and returns the expected success
// count of every (cluster, fix) key.
func recordAll(s Store, clusters, fixes []int, confs []float64, ages []int) (map[[2]string]int, error) {
	want := make(map[[2]string]int)
	for i := range clusters {
		cluster := fmt.Sprintf("A.B:c%d", clusters[i])
		fix := fmt.Sprintf("fix-%d", fixes[i])
		_, err := s.Record(context.Background(), Promotion{
			ErrorCode:      "A.B",
			ClusterID:      cluster,
			FixDescription: fix,
			Confidence:     confs[i],
			At:             contractNow.Add(-time.Duration(ages[i]) * day),
		})
		if err != nil {
			return nil, err
		}
		want[[2]string{cluster, fix}]++
	}
	return want, nil
}

func allPatterns(s Store) (map[string]Pattern, error) {
	matches, err := s.Query(context.Background(), Query{ErrorCode: "A.B", Limit: 1000})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Pattern, len(matches))
	for _, m := range matches {
		out[m.ID] = m.Pattern
	}
	return out, nil
}

func checkStoreProperties(t *testing.T, runs int, newStore storeFactory) {
	properties := gopter.NewProperties(propertyParameters(runs))

	properties.Property("one row per (error_code, cluster_id, fix_description)", prop.ForAll(
		func(clusters, fixes []int, confs []float64, ages []int) bool {
			s := newStore(t, fixedClock())
			want, err := recordAll(s, clusters, fixes, confs, ages)
			if err != nil {
				return false
			}
			st, err := s.Stats(context.Background())
			if err != nil || st.TotalPatterns != len(want) {
				return false
			}
			got, err := allPatterns(s)
			if err != nil || len(got) != len(want) {
				return false
			}
			for _, p := range got {
				if want[[2]string{p.ClusterID, p.FixDescription}] != p.SuccessCount {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(propertyOps, gen.IntRange(0, 2)),
		gen.SliceOfN(propertyOps, gen.IntRange(0, 2)),
		gen.SliceOfN(propertyOps, gen.Float64Range(MinPromotionConfidence, 1)),
		gen.SliceOfN(propertyOps, gen.IntRange(0, 200)),
	))

	properties.Property("collection never removes protected or young patterns", prop.ForAll(
		func(clusters, fixes []int, confs []float64, ages []int, strategy int) bool {
			s := newStore(t, fixedClock())
			if _, err := recordAll(s, clusters, fixes, confs, ages); err != nil {
				return false
			}
			before, err := allPatterns(s)
			if err != nil {
				return false
			}

			policy, _ := PolicyFor(strategies[strategy])
			res, err := s.Collect(context.Background(), strategies[strategy], false)
			if err != nil {
				return false
			}
			after, err := allPatterns(s)
			if err != nil || len(after)+res.Deleted != len(before) {
				return false
			}

			cutoff := contractNow.Add(-policy.MinAge)
			for id, p := range before {
				_, kept := after[id]
				candidate := p.SuccessCount < policy.MaxCount && !p.LastSuccessAt.After(cutoff)
				if protected(p) || !candidate {
					if !kept {
						return false
					}
				} else if kept {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(propertyOps, gen.IntRange(0, 3)),
		gen.SliceOfN(propertyOps, gen.IntRange(0, 3)),
		gen.SliceOfN(propertyOps, gen.Float64Range(MinPromotionConfidence, 1)),
		gen.SliceOfN(propertyOps, gen.IntRange(0, 200)),
		gen.IntRange(0, len(strategies)-1),
	))

	properties.TestingRun(t)
}

func TestMemoryStore_Properties(t *testing.T) {
	checkStoreProperties(t, 100, func(t *testing.T, opts ...Option) Store {
		s := NewMemoryStore(opts...)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Properties(t *testing.T) {
	if testing.Short() {
		t.Skip("opens one database per generated case")
	}
	checkStoreProperties(t, 20, func(t *testing.T, opts ...Option) Store {
		return openTestSQLite(t, opts...)
	})
}
