// Package presence implements the Presence Coordinator component.
//
// The Presence Coordinator:
//   - Tracks which users are online and their status/activity/location
//   - Announces the local user's presence, re-announcing on every reconnect
//   - Maintains the friend graph and the friend-request workflow
//   - Keeps a notification inbox with expiry sweeping and read/archive flags
//   - Downgrades the local status to away after configurable inactivity
//   - Retains a capped list of the most recently offline users
//
// Presence is soft state: local mutations apply immediately and are then
// announced to the server, which remains the authority for remote users.
package presence
