// Package musicbrainz is a paced, retrying client for the MusicBrainz JSON
// web service (https://musicbrainz.org/ws/2/).
//
// Every attempt, successful or not, is followed by a fixed pause so that
// calls from one Client are never closer together than the configured
// interval. Transport failures are retried a bounded number of times;
// bodies that arrive but fail to decode are not. Payloads decode into
// typed structs whose optional fields are pointers, and relation lists are
// resolved into a small tagged union keyed on target-type.
package musicbrainz
