package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/tgraph/pkg/mvcc"
	"github.com/orneryd/tgraph/pkg/storage"
)

func runBench(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	txs, _ := cmd.Flags().GetInt("txs")
	hot, _ := cmd.Flags().GetInt("hot")
	dump, _ := cmd.Flags().GetBool("metrics")
	if workers < 1 || txs < 1 || hot < 0 {
		return fmt.Errorf("workers and txs must be positive, hot must not be negative")
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	g, reg, log := rt.graph, rt.registry, rt.log
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	shared, err := seedVertices(ctx, g, hot)
	if err != nil {
		return err
	}

	fmt.Printf("Running %d workers x %d transactions (%d shared vertices)\n", workers, txs, hot)
	var retries atomic.Int64
	start := time.Now()

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < txs; i++ {
				for {
					err := benchTx(ctx, g, shared, w, i)
					if err == nil {
						break
					}
					if !errors.Is(err, mvcc.ErrConflict) {
						return err
					}
					retries.Add(1)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := workers * txs
	log.Info().Int("commits", total).Int64("retries", retries.Load()).Dur("elapsed", elapsed).Msg("bench finished")
	fmt.Printf("   Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Throughput: %.0f tx/s\n", float64(total)/elapsed.Seconds())
	fmt.Printf("   Retries:    %d\n", retries.Load())
	printStats(g.Stats())

	if dump && reg != nil {
		families, err := reg.Gather()
		if err != nil {
			return err
		}
		sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
		fmt.Println("Metrics:")
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					fmt.Printf("   %s %v\n", mf.GetName(), m.GetCounter().GetValue())
				case m.GetGauge() != nil:
					fmt.Printf("   %s %v\n", mf.GetName(), m.GetGauge().GetValue())
				case m.GetHistogram() != nil:
					fmt.Printf("   %s count=%d sum=%v\n", mf.GetName(), m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
				}
			}
		}
	}
	return nil
}

func seedVertices(ctx context.Context, g *storage.Graph, n int) ([]storage.VertexID, error) {
	tx := g.Begin()
	ids := make([]storage.VertexID, 0, n)
	for i := 0; i < n; i++ {
		v, err := tx.AddVertex()
		if err != nil {
			_ = tx.Abort()
			return nil, err
		}
		if err := tx.SetAttribute(storage.VertexElement(v), "hits", 0); err != nil {
			_ = tx.Abort()
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, tx.Commit(ctx)
}

// benchTx adds a vertex linked to one shared vertex and bumps that vertex's
// hit counter, so workers touching the same shared vertex conflict.
func benchTx(ctx context.Context, g *storage.Graph, shared []storage.VertexID, worker, i int) error {
	tx := g.Begin()
	v, err := tx.AddVertex()
	if err != nil {
		_ = tx.Abort()
		return err
	}
	if err := tx.SetAttribute(storage.VertexElement(v), "worker", worker); err != nil {
		_ = tx.Abort()
		return err
	}
	if len(shared) > 0 {
		h := shared[(worker+i)%len(shared)]
		if _, err := tx.AddEdge(v, h); err != nil {
			_ = tx.Abort()
			return err
		}
		el := storage.VertexElement(h)
		hits, err := tx.Attribute(el, "hits")
		if err != nil {
			_ = tx.Abort()
			return err
		}
		n, _ := hits.(int)
		if err := tx.SetAttribute(el, "hits", n+1); err != nil {
			_ = tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}
