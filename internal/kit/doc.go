// Package kit holds the shared notification domain types (channels,
// priorities, payloads) used across storage, the preference engine, senders
// and the dispatcher. It must stay dependency-free.
package kit
