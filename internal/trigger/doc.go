// Package trigger arms one daily wall-clock trigger per enabled bot,
// timezone-aware, and runs the resolve-and-deliver pipeline when a
// trigger fires.
//
// Triggers never self-update: Reload() is the only mechanism that
// applies configuration changes, and it always tears down and
// re-registers a bot's trigger with current settings. A fire that is
// already executing is not cancelled by Reload; only future
// occurrences are affected.
package trigger
