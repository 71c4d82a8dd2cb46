// Package kechain is a client for the KE-chain engineering data platform.
//
// A Client talks to one backend over its JSON/REST API. Resources returned by
// the client (scopes, parts, properties, activities, widgets) keep a reference
// to the client that produced them; there is no package-level default client.
//
// Every operation blocks until its HTTP round trip, or its bounded sequence of
// round trips, completes. The server is the source of truth: handles hold a
// snapshot of the attributes seen at fetch time. Operations documented as
// "in place" update the receiver from the server response, while Reload
// returns a fresh handle and leaves the receiver untouched.
package kechain
