// Package mqtt maintains the broker session the panel lives on. It
// subscribes to the sensor's leitura topic and the actuator's status
// topic, feeds inbound messages through a rate limiter into a
// [MessageHandler], and publishes valve commands.
//
// The session uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Subscriptions are
// re-established on every (re-)connect because the panel connects with
// a clean session.
package mqtt
