// Command navswap drives the navigation process-swap coordinator against
// simulated content processes.
//
// Architecture:
//
//	Embedder (CLI / inspector) → Page Sessions → Process Selector
//	                                            → Retired Page Cache
//	                           ← simulated content processes
//
// Commands:
//   - run: replay one or more YAML scenarios and print a report
//   - validate: parse scenarios without running them
//   - serve: run the coordinator with the inspector HTTP server
//
// Configuration:
//   - Environment variables (12-factor), optionally from .env
//   - TOML file via --config or NAVSWAP_CONFIG_FILE
//   - Flags override both
//
// Usage:
//
//	navswap run scenarios/swap.yaml
//	navswap serve --config navswap.toml --dev
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown of serve
package main
