// Package config loads the node configuration.
//
// # Files
//
// A node keeps its state under one base directory, by default
// $HOME/.tunnelfin. It holds config.yaml and the identity key file. When no
// config file is named on the command line and the default one is missing,
// Load writes the defaults there with owner-only permissions.
//
// # Instances
//
// Every Load uses its own viper instance. The resulting *Config is a plain
// value that is passed to constructors; nothing in this package is global.
// Command-line flags are bound by the caller through Viper.
//
// # Keys
//
// Keys are lower-case and dotted by section, for example heartbeat.interval
// or relay.proportionality_threshold. Durations accept Go duration strings.
package config
