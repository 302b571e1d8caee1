// Package envelope holds the traveling record of a single healing session.
//
// An Envelope carries the diagnostic packet it was created for, an ordered
// append-only list of attempts and, once the session ends, exactly one
// terminal outcome. The packet is hashed at creation time and re-verified
// before every use so that a session can never act on a packet that was
// altered in flight.
//
// Envelopes are values. WithAttempt and Close return a new Envelope and
// leave the receiver untouched, so a snapshot handed to a collaborator can
// never observe later attempts.
package envelope
