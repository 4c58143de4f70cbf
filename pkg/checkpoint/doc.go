// Package checkpoint persists the state of a running send loop so that
// another process (the status and watch commands) can report it.
//
// A checkpoint records which phase the loop is in, the target it is
// working on, when it will act next and the run's counters. It is written
// atomically after every state change. Files live in the platform data
// directory:
//   - Linux: ~/.local/share/igoutreach/checkpoints/
//   - macOS: ~/Library/Application Support/igoutreach/checkpoints/
//   - Windows: %APPDATA%/igoutreach/checkpoints/
package checkpoint
