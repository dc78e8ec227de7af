// Package packs provides the standard extension packs of a delivery machine:
// the goal catalogue, the contributors that propose those goals for a push,
// the deploy rules for the local, staging and production environments, and the
// deployment freeze.
//
// A typical machine registers DeliveryPack and FreezePack, freezes the
// registry and hands the snapshot to engine.NewMachine:
//
//	reg := engine.NewRegistry()
//	_ = reg.Register(packs.FreezePack(store, metrics, logger))
//	_ = reg.Register(packs.DeliveryPack(opts))
//	snap, err := reg.Freeze()
package packs
