/*
Package log provides structured logging for microvmctl using zerolog.

A single package-level Logger is initialized once via Init and used
throughout the control plane. WithComponent and WithTenantID build
child loggers carrying those fields on every entry, so call sites don't
repeat them.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.Logger.Info().Str("tenant_id", id).Msg("tenant created")

	tenantLog := log.WithTenantID(id)
	tenantLog.Warn().Msg("VM process not responding")

Never log secrets or tenant env var values; use typed fields (.Str,
.Int, .Err) rather than string concatenation so log lines stay
queryable and injection-safe.
*/
package log
