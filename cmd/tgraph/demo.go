package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orneryd/tgraph/pkg/mvcc"
	"github.com/orneryd/tgraph/pkg/storage"
)

func runDemo(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	g, log := rt.graph, rt.log
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("1. Snapshot isolation")
	t1 := g.Begin()
	v, err := t1.AddVertex()
	if err != nil {
		return err
	}
	t2 := g.Begin()
	if err := t1.Commit(ctx); err != nil {
		return err
	}
	t3 := g.Begin()
	seen2, _ := t2.ContainsVertex(v)
	seen3, _ := t3.ContainsVertex(v)
	fmt.Printf("   vertex %d committed at version %d\n", v, t1.CommitVersion())
	fmt.Printf("   tx %d (started before): sees it = %v\n", t2.ID(), seen2)
	fmt.Printf("   tx %d (started after):  sees it = %v\n", t3.ID(), seen3)
	_ = t2.Abort()
	_ = t3.Abort()

	fmt.Println("2. Write conflict")
	a := g.Begin()
	b := g.Begin()
	if err := a.SetAttribute(storage.VertexElement(v), "owner", "a"); err != nil {
		return err
	}
	if err := b.SetAttribute(storage.VertexElement(v), "owner", "b"); err != nil {
		return err
	}
	if err := a.Commit(ctx); err != nil {
		return err
	}
	err = b.Commit(ctx)
	var conflict *mvcc.ConflictError
	if !errors.As(err, &conflict) {
		return fmt.Errorf("expected a conflict, got %v", err)
	}
	fmt.Printf("   tx %d committed, tx %d rejected by %q check: %s\n", a.ID(), conflict.TxID, conflict.Check, conflict.Reason)
	log.Debug().Uint64("tx", conflict.TxID).Str("check", conflict.Check).Msg("demo conflict")

	fmt.Println("3. Savepoints")
	tx := g.Begin()
	w, err := tx.AddVertex()
	if err != nil {
		return err
	}
	sp, err := tx.DefineSavepoint()
	if err != nil {
		return err
	}
	if _, err := tx.AddEdge(v, w); err != nil {
		return err
	}
	before, _ := tx.EdgeCount()
	if err := tx.RestoreSavepoint(sp); err != nil {
		return err
	}
	after, _ := tx.EdgeCount()
	fmt.Printf("   edges before restore: %d, after: %d\n", before, after)
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	fmt.Println("4. Statistics")
	printStats(g.Stats())
	return nil
}
