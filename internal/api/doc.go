// Package api exposes the supervisor's HTTP surface: the crawler webhook,
// operator control actions, status and history queries, the websocket
// stream, and health and metrics endpoints.
package api
