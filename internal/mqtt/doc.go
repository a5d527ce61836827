// Package mqtt adapts MQTT client libraries to the [Transport]
// capability the session drives. Two implementations exist:
//
//   - [V311] wraps Eclipse Paho v1 (github.com/eclipse/paho.mqtt.golang)
//     and speaks MQTT 3.1.1, the protocol AWS IoT device shadows were
//     built on. It is the default.
//   - [V5] wraps Eclipse Paho v2's [autopaho] connection manager and
//     speaks MQTT 5.
//
// Neither implementation reconnects on its own. Library callbacks run
// on library goroutines and never call back into the session; they
// flatten what happened into an [events.Event] and push it onto the
// session's queue. Connect blocks until the broker answers or the dial
// fails. Subscribe and Publish return as soon as the request is on its
// way and report completion through the queue.
//
// Both libraries' own diagnostic output is bridged into slog by
// [NewDiagnosticLogger].
package mqtt
