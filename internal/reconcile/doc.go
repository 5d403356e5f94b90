// Package reconcile implements the flatten-and-reconcile engine between
// the upstream record source and the cell store.
//
// Overview
//
// The reconcile package owns the core sync algorithm: take one tracker
// record's nested field tree, flatten it into (leafPath, value) pairs,
// and bring the stored cells for that record up to date, touching only
// cells whose values genuinely changed.
//
// Architecture
//
// Records flow from the paginated source through the engine into the
// store, in transaction boundaries of a configurable size:
//
//	Tracker REST API (paginated search)
//	     └── records with nested field trees
//	                     ↓
//	              fieldtree.Flatten
//	                     ↓  (leafPath, value) pairs
//	              Decide: insert / update / skip
//	                     ↓
//	               Cell store
//	               (commit every N records)
//
// Usage
//
// Basic usage:
//
//	// Open and provision the store
//	st, err := store.OpenSQLite(".flatsync/cells.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	if err := st.Provision(ctx, store.Additive, nil); err != nil {
//	    return err
//	}
//
//	// Create the source and the engine
//	src := source.New(cfg.Tracker)
//	eng := reconcile.New(st, src, reconcile.Options{Prefix: "fs_"})
//
//	// Full sync
//	summary, err := eng.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(summary)
//
// Reconciling a single record (incremental path, used by the daemon):
//
//	res, err := eng.ReconcileRecord(ctx, rec)
//
// Error Handling
//
// The engine is resilient to individual cell failures:
//
//   - A cell write failure is retried once, then logged and counted;
//     sibling leaves of the same record continue.
//   - A record that cannot be processed at all rolls its boundary back
//     and, per configuration, aborts the run or skips to the next record.
//   - Connection-level faults abort the run immediately.
//
// Concurrency
//
// The engine is a single logical worker; records are processed
// sequentially. Running several engines against one store is safe only
// when each owns disjoint record keys: the (record_key, leaf_path)
// primary key turns an Insert/Insert race into a constraint fault, which
// the engine catches and retries as an update.
package reconcile
