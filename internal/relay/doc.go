// Package relay optionally keeps devices talking to the real vendor
// cloud while the controller listens in.
//
// Each device connection gets its own relay: device frames are
// observed locally and forwarded over an outbound TLS leg, cloud
// frames are piped back verbatim. The cloud leg is disposable; when it
// breaks the device stays connected and the relay quietly becomes an
// observer.
package relay
