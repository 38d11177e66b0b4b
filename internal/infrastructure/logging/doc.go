// Package logging provides structured logging using uber/zap.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// An optional rotating file sink (lumberjack) receives JSON entries in
// either mode.
//
// Components take a *zap.Logger named after themselves (ledger, selector,
// policy, candidate, retired, page). Navigation-scoped entries carry
// page_id, navigation_id and pid fields.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	defer logger.Close()
//	ledgerLog := logger.Component("ledger")
//	ledgerLog.Info("Navigation created", zap.Stringer("navigation_id", navID))
package logging
