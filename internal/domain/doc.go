// Package domain defines the core data types used throughout the
// lifecycle engine.
//
// Key types:
//   - Transaction: a single row of the managed dataset
//   - Quarter: the calendar-quarter partition key and aging boundary math
//   - Partition: one table/quarter storage unit and its lifecycle state
//   - Tier: storage class (hot, cool)
package domain
