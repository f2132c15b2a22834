// Package model defines the operation model shared by every orchestration
// component: operations, priority classes, vector clocks, therapeutic session
// metadata and subscription tiers.
//
// An Operation's priority class is fixed at intake. Components attach
// scheduling metadata alongside an operation (queue entries, batch
// membership) and never modify the operation or its payload.
package model
