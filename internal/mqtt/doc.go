// Package mqtt publishes the agent's operational state to an MQTT
// broker using Home Assistant discovery, so a deployment can watch
// message volume, turn failures, and availability from an existing
// dashboard without scraping the web API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt
