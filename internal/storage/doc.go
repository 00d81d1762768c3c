// Package storage persists notification preferences, unsubscribe records,
// frequency-tracking counters, push subscriptions, the dead-letter audit
// trail and the in-app inbox in a single sqlite database.
//
// The store is the only component allowed to mutate frequency counters;
// everything else goes through Store.
package storage
