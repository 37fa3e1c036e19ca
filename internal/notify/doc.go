// Package notify emits notification requests on workflow state changes.
//
// Dispatch is create-then-forget: the notification record is always
// persisted first, then a best-effort event is published for an external
// delivery transport (email, SMS, in-app). A publish failure never rolls
// back the persisted record; delivery retry is the transport's concern.
package notify
