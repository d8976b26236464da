// Package config loads and validates busproxy configuration.
//
// # Overview
//
// A configuration file is YAML (.yaml, .yml) or CUE (.cue). Either form is
// applied over DefaultConfig, so a file only needs the settings it changes.
// CUE files are first unified with the built-in #Config schema; both forms
// are then checked with validator struct tags and the telemetry section's
// own Validate.
//
// # Components
//
// Loader: reads a file, picks the decoder by extension, resolves relative
// scenario and profile paths against the file's directory and validates.
//
// SchemaRegistry: holds CUE definitions (#Config, #Scenario, #Profile) and
// validates CUE values or Go values against them.
//
// # Example
//
//	bus:
//	  id: session
//	  scenario_path: scenario.yaml
//	profiles:
//	  dir: profiles
//	  watch: true
//	store:
//	  enabled: true
//	  path: history.db
//	accounts:
//	  - /org/freedesktop/Telepathy/Account/gabble/jabber/acc0
//
// The same configuration in CUE:
//
//	bus: {id: "session", scenario_path: "scenario.yaml"}
//	profiles: {dir: "profiles", watch: true}
//	store: {enabled: true, path: "history.db"}
//	accounts: ["/org/freedesktop/Telepathy/Account/gabble/jabber/acc0"]
//
// # Errors
//
// Parse and validation failures are returned as ValidationErrors. CUE errors
// carry file, line and column.
package config
