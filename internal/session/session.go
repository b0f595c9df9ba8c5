// Package session records live real-time connections in Redis so that other
// instances and operators can see which users are online and on which
// server. Entries expire unless the heartbeat refreshes them.
package session
