// Package audit implements the security audit log.
//
// Records are append-only JSON lines carrying the actor (device id or
// subscriber subject), the action, its outcome and a stable code. Device
// authentication failures, rate-limit trips and operator announcements are
// audited; routine accepted readings are not.
package audit
